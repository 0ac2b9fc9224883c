package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Link Classification & Resolution
// ===========================

const (
	playlistExpansionLimit = 100
	searchTimeout          = 2600 * time.Millisecond
	scrapeTimeout          = 10 * time.Second
)

var (
	spotifyEntryRegex = regexp.MustCompile(`"title"\s*:\s*"([^"]+)"\s*,\s*"subtitle"\s*:\s*"([^"]+)"`)
	ogTitleRegex      = regexp.MustCompile(`<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']+)["']`)
	ogDescRegex       = regexp.MustCompile(`<meta[^>]*property=["']og:description["'][^>]*content=["']([^"']+)["']`)
)

// ResolveUserQuery turns one user-supplied query into tracks. A plain
// text query searches YouTube Music then YouTube; a link is classified
// by host and either fetched directly, expanded (playlists), or
// translated through a search (Spotify, which cannot be played as-is).
// This is the default QueryResolver for the resolution pipeline.
func ResolveUserQuery(ctx context.Context, q string) ([]*Track, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errors.New("empty query")
	}
	if !strings.HasPrefix(q, "http://") && !strings.HasPrefix(q, "https://") {
		t, err := resolveSearchQuery(ctx, q, VariantYouTubeVod)
		if err != nil {
			return nil, err
		}
		return []*Track{t}, nil
	}

	u, err := url.Parse(q)
	if err != nil {
		return nil, fmt.Errorf("unparseable link: %w", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	switch {
	case strings.HasSuffix(host, "spotify.com"):
		return resolveSpotifyLink(ctx, u)
	case host == "twitch.tv" && strings.HasPrefix(u.Path, "/videos/"):
		return []*Track{NewTrack(q, VariantTwitchVod, ytdlpFetchMetadata)}, nil
	case host == "youtube.com" || host == "music.youtube.com" || host == "youtu.be":
		return resolveYouTubeLink(ctx, q, u)
	}
	// Unknown host, let yt-dlp take a swing at it.
	return []*Track{NewTrack(q, VariantYouTubeVod, ytdlpFetchMetadata)}, nil
}

func resolveYouTubeLink(ctx context.Context, raw string, u *url.URL) ([]*Track, error) {
	if list := u.Query().Get("list"); list != "" && !strings.HasPrefix(list, "RD") {
		return expandYouTubePlaylist(ctx, raw)
	}
	if strings.HasPrefix(u.Path, "/live/") {
		return []*Track{NewTrack(raw, VariantYouTubeLivestream, ytdlpFetchMetadata)}, nil
	}
	return []*Track{NewTrack(raw, VariantYouTubeVod, ytdlpFetchMetadata)}, nil
}

func expandYouTubePlaylist(ctx context.Context, raw string) ([]*Track, error) {
	entries, err := ytdlpExpandPlaylist(ctx, raw, playlistExpansionLimit)
	if err != nil {
		return nil, fmt.Errorf("playlist expansion failed: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("playlist is empty")
	}
	tracks := make([]*Track, 0, len(entries))
	for _, e := range entries {
		tracks = append(tracks, NewResolvedTrack(e.URL, VariantYouTubeVod, TrackMetadata{Title: e.Title, Channel: e.Uploader}))
	}
	return tracks, nil
}

// ===========================
// Spotify
// ===========================

// Spotify streams are DRM-locked, so a Spotify link only contributes
// its metadata. Single tracks scrape the page's Open Graph tags;
// playlists and albums scrape the embed page's entry list. Each entry
// becomes a YouTube search for "title artist".
func resolveSpotifyLink(ctx context.Context, u *url.URL) ([]*Track, error) {
	switch {
	case strings.Contains(u.Path, "/track/"):
		title, artist, err := scrapeOpenGraph(ctx, u.String())
		if err != nil {
			return nil, fmt.Errorf("spotify track lookup failed: %w", err)
		}
		t, err := resolveSearchQuery(ctx, strings.TrimSpace(title+" "+artist), VariantSpotifyDerived)
		if err != nil {
			return nil, err
		}
		return []*Track{t}, nil

	case strings.Contains(u.Path, "/playlist/"), strings.Contains(u.Path, "/album/"):
		entries, err := scrapeSpotifyEmbed(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("spotify playlist lookup failed: %w", err)
		}
		var tracks []*Track
		for _, e := range entries {
			t, err := resolveSearchQuery(ctx, e, VariantSpotifyDerived)
			if err != nil {
				LogResolver("Spotify entry %q dropped: %v", e, err)
				continue
			}
			tracks = append(tracks, t)
		}
		if len(tracks) == 0 {
			return nil, errors.New("no spotify entries resolved")
		}
		return tracks, nil
	}
	return nil, errors.New("unsupported spotify link")
}

func scrapeOpenGraph(ctx context.Context, link string) (title, artist string, err error) {
	html, err := fetchPageHead(ctx, link)
	if err != nil {
		return "", "", err
	}
	if m := ogTitleRegex.FindStringSubmatch(html); len(m) > 1 {
		title = m[1]
		if idx := strings.Index(title, " - song and lyrics by"); idx != -1 {
			title = title[:idx]
		}
		if idx := strings.Index(title, " | Spotify"); idx != -1 {
			title = title[:idx]
		}
	}
	if m := ogDescRegex.FindStringSubmatch(html); len(m) > 1 {
		parts := strings.Split(m[1], " · ")
		if len(parts) >= 1 {
			artist = strings.TrimSpace(parts[0])
		}
	}
	if title == "" {
		return "", "", errors.New("could not extract metadata")
	}
	return title, artist, nil
}

// scrapeSpotifyEmbed pulls "title"/"subtitle" pairs out of the embed
// page's inline JSON, one pair per playlist entry.
func scrapeSpotifyEmbed(ctx context.Context, u *url.URL) ([]string, error) {
	embed := *u
	if !strings.HasPrefix(embed.Path, "/embed/") {
		embed.Path = "/embed" + embed.Path
	}
	html, err := fetchPageBody(ctx, embed.String())
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, m := range spotifyEntryRegex.FindAllStringSubmatch(html, playlistExpansionLimit) {
		entries = append(entries, strings.TrimSpace(m[1]+" "+m[2]))
	}
	if len(entries) == 0 {
		return nil, errors.New("no entries found in embed page")
	}
	return entries, nil
}

func fetchPageHead(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	client := &http.Client{Timeout: scrapeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() && lines < 500 {
		body.WriteString(scanner.Text())
		body.WriteString(" ")
		lines++
		if strings.Contains(scanner.Text(), "</head>") {
			break
		}
	}
	return body.String(), nil
}

func fetchPageBody(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	client := &http.Client{Timeout: scrapeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		body.WriteString(scanner.Text())
		body.WriteString(" ")
	}
	return body.String(), nil
}

// ===========================
// Search
// ===========================

// resolveSearchQuery resolves a free-text query to a single track,
// preferring YouTube Music and falling back to plain YouTube search.
// Results arrive with title and channel, so the track is created
// pre-resolved and never needs an upstream metadata call.
func resolveSearchQuery(ctx context.Context, q string, variant TrackVariant) (*Track, error) {
	s := ytmusic.TrackSearch(q)
	if r, err := s.Next(); err == nil {
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = v.Artists[0].Name
			}
			link := "https://music.youtube.com/watch?v=" + v.VideoID
			return NewResolvedTrack(link, variant, TrackMetadata{Title: v.Title, Channel: art}), nil
		}
	}

	c := ytsearch.NewClient(nil)
	r, err := c.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	for _, v := range r.Results {
		if v.VideoID == "" {
			continue
		}
		link := "https://www.youtube.com/watch?v=" + v.VideoID
		return NewResolvedTrack(link, variant, TrackMetadata{Title: v.Title}), nil
	}
	return nil, errors.New("no search results")
}

type SearchChoice struct{ Title, URL string }

// SearchChoices runs both search backends in parallel for autocomplete
// suggestions, deduped by video ID, YouTube Music first, capped at the
// 25 choices Discord allows.
func SearchChoices(q string) []SearchChoice {
	ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
	defer cancel()

	var mu sync.Mutex
	var ytm, yt []SearchChoice
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, err := s.Next()
		if err != nil {
			return
		}
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchChoice{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: truncateChoice(v.Title + art)})
			}
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, err := c.Search(ctx, q)
		if err != nil {
			return
		}
		for _, v := range r.Results {
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchChoice{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: truncateChoice(v.Title)})
			}
			mu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(searchTimeout):
	}

	mu.Lock()
	defer mu.Unlock()
	fin := append(append([]SearchChoice{}, ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}
	return fin
}

func truncateChoice(s string) string {
	if len(s) > 100 {
		return s[:97] + "..."
	}
	return s
}

// ===========================
// yt-dlp
// ===========================

// ytdlpFetchMetadata is the MetadataFetcher for every directly linked
// track. One yt-dlp invocation, tab-separated print fields.
func ytdlpFetchMetadata(ctx context.Context, link string) (*TrackMetadata, error) {
	res, err := ytdlp.New().
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s\t%(is_live)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, "--skip-download", link)

	if err != nil {
		return nil, err
	}
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		d, _ := time.ParseDuration(ps[2] + "s")
		return &TrackMetadata{
			Title:     ps[0],
			Channel:   ps[1],
			Duration:  d,
			Thumbnail: ps[3],
			Live:      ps[4] == "True",
		}, nil
	}
	return nil, errors.New("failed to parse metadata")
}

type playlistEntry struct{ URL, Title, Uploader string }

func ytdlpExpandPlaylist(ctx context.Context, link string, limit int) ([]playlistEntry, error) {
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s").
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, link)

	if err != nil {
		return nil, err
	}
	es := make([]playlistEntry, 0)
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 {
			continue
		}
		es = append(es, playlistEntry{URL: ps[0], Title: ps[1], Uploader: ps[2]})
	}
	return es, nil
}
