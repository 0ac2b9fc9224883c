package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ===========================
// Command Registration
// ===========================

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if VoiceManager != nil {
					LogVoice("Shutting down voice manager...")
					VoiceManager.Shutdown(context.Background())
				}
			}
		})

		vm := GetVoiceManager()
		vm.client = client
		RegisterVoiceStateUpdateHandler(vm.onVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music Playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a link, playlist or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "next",
						Description: "Insert at the front of the queue",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip to the next track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the upcoming tracks",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recently played tracks",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	RegisterComponentHandler("queue:", handleQueueRefresh)
}

// ===========================
// Voice Manager
// ===========================

var (
	VoiceManager *VoiceSystem
	OnceVoice    sync.Once
)

// VoiceSystem owns the session registry, the per-guild voice
// connections and the shared upstream rate limiter.
type VoiceSystem struct {
	mu       sync.Mutex
	client   *bot.Client
	registry *SessionRegistry
	gate     *rate.Limiter
	conns    map[snowflake.ID]voice.Conn
}

// GetVoiceManager returns the singleton VoiceSystem instance
func GetVoiceManager() *VoiceSystem {
	OnceVoice.Do(func() {
		VoiceManager = &VoiceSystem{
			registry: NewSessionRegistry(),
			gate:     rate.NewLimiter(defaultUpstreamPerSec, defaultUpstreamBurst),
			conns:    make(map[snowflake.ID]voice.Conn),
		}
	})
	return VoiceManager
}

func (vs *VoiceSystem) Registry() *SessionRegistry {
	return vs.registry
}

// pipelineFor builds a resolution pipeline bound to one guild. The
// resolver closure records every successfully resolved track in the
// play history, which keeps persistence out of the pipeline itself.
func (vs *VoiceSystem) pipelineFor(guildID snowflake.ID, front bool) *TrackResolutionPipeline {
	workers := defaultResolveWorkers
	interval := defaultReportInterval
	if GlobalConfig != nil {
		if GlobalConfig.ResolveWorkers > 0 {
			workers = GlobalConfig.ResolveWorkers
		}
		if GlobalConfig.ProgressInterval > 0 {
			interval = GlobalConfig.ProgressInterval
		}
	}
	return &TrackResolutionPipeline{
		Registry: vs.registry,
		Resolve: func(ctx context.Context, q string) ([]*Track, error) {
			tracks, err := ResolveUserQuery(ctx, q)
			if err != nil {
				return nil, err
			}
			for _, t := range tracks {
				title, channel := "", ""
				if meta := t.CachedMetadata(); meta != nil {
					title, channel = meta.Title, meta.Channel
				}
				_ = AddPlayHistory(ctx, guildID, t.Link, title, channel)
			}
			return tracks, nil
		},
		Gate:     vs.gate,
		Workers:  workers,
		Interval: interval,
		Front:    front,
	}
}

// Join connects the bot to a voice channel, reusing an open connection
// when it already points at the right channel.
func (vs *VoiceSystem) Join(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID) error {
	vs.mu.Lock()
	conn, ok := vs.conns[guildID]
	if !ok {
		conn = client.VoiceManager.CreateConn(guildID)
		vs.conns[guildID] = conn
	}
	vs.mu.Unlock()

	if ok {
		if cid := conn.ChannelID(); cid != nil && *cid == channelID {
			return nil
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Open(openCtx, channelID, false, false); err != nil {
		LogVoice(MsgVoiceJoinFail, err)
		vs.mu.Lock()
		delete(vs.conns, guildID)
		vs.mu.Unlock()
		conn.Close(ctx)
		return err
	}
	LogVoice(MsgVoiceJoined, channelID, guildID)
	return nil
}

// Leave tears down the guild's session and voice connection. This is
// the only place a session is removed from the registry.
func (vs *VoiceSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	vs.mu.Lock()
	conn, ok := vs.conns[guildID]
	delete(vs.conns, guildID)
	vs.mu.Unlock()

	vs.registry.Remove(guildID)
	if ok && conn != nil {
		conn.Close(ctx)
	}
	LogVoice(MsgVoiceLeft, guildID)
}

// Shutdown gracefully stops all sessions and connections
func (vs *VoiceSystem) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, guildID := range vs.registry.GuildIDs() {
		wg.Add(1)
		go func(id snowflake.ID) {
			defer wg.Done()
			vs.Leave(ctx, id)
		}(guildID)
	}
	wg.Wait()
}

// onVoiceStateUpdate tears the session down when the bot is kicked
// from its channel, and when the last human listener leaves.
func (vs *VoiceSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	guildID := event.VoiceState.GuildID
	s := vs.registry.Get(guildID)
	if s == nil {
		return
	}

	if event.VoiceState.UserID == event.Client().ID() {
		if event.VoiceState.ChannelID == nil {
			LogVoice(MsgVoiceExternalDisc, guildID)
			vs.Leave(context.Background(), guildID)
		}
		return
	}

	humanCount := 0
	for state := range event.Client().Caches.VoiceStates(guildID) {
		if state.ChannelID != nil && *state.ChannelID == s.ChannelID && state.UserID != event.Client().ID() {
			if m, ok := event.Client().Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
				humanCount++
			}
		}
	}
	if humanCount == 0 {
		LogVoice("Channel empty in guild %s, leaving", guildID)
		vs.Leave(context.Background(), guildID)
	}
}

// ===========================
// Command Handlers
// ===========================

// handleMusic routes music subcommands to their respective handlers
func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || event.GuildID() == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "skip":
		handleMusicSkip(event)
	case "shuffle":
		handleMusicShuffle(event)
	case "queue":
		handleMusicQueue(event)
	case "stop":
		handleMusicStop(event)
	case "history":
		handleMusicHistory(event)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	q, _ := data.OptString("query")
	front, _ := data.OptBool("next")
	_ = event.DeferCreateMessage(false)
	if err := startPlayback(event, q, front); err != nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().WithContent("Failed: "+err.Error()))
	}
}

// startPlayback joins the user's channel and hands the query batch to
// the resolution pipeline. The deferred interaction response is edited
// with throttled progress and a final summary.
func startPlayback(ev *events.ApplicationCommandInteractionCreate, q string, front bool) error {
	guildID := *ev.GuildID()
	LogVoice("User %s (%s) requested playback: %s", ev.User().Username, ev.User().ID, q)

	vstate, ok := ev.Client().Caches.VoiceState(guildID, ev.User().ID)
	if !ok || vstate.ChannelID == nil {
		return errors.New(ErrVoiceNotInChannel)
	}

	vm := GetVoiceManager()
	s, err := vm.registry.Create(guildID, *vstate.ChannelID)
	if err != nil && !errors.Is(err, ErrDuplicateSession) {
		return err
	}

	if err := vm.Join(context.Background(), ev.Client(), guildID, *vstate.ChannelID); err != nil {
		vm.registry.Remove(guildID)
		return err
	}

	queries := splitQueries(q)
	wasIdle := s.State() == StateIdle

	client := ev.Client()
	appID, token := ev.ApplicationID(), ev.Token()
	onProgress := func(resolved, total int, completed bool) {
		var c string
		switch {
		case !completed:
			c = fmt.Sprintf(MsgVoiceResolving, resolved, total)
		case resolved == 0:
			c = ErrVoiceResolutionFailed
		default:
			c = playbackSummary(s, wasIdle, resolved, total)
		}
		_, _ = client.Rest.UpdateInteractionResponse(appID, token, discord.NewMessageUpdate().WithContent(c))
	}

	vm.pipelineFor(guildID, front).Start(s.Context(), queries, s, onProgress)
	return nil
}

func playbackSummary(s *Session, wasIdle bool, resolved, total int) string {
	var sb strings.Builder
	if failed := total - resolved; failed > 0 {
		sb.WriteString(fmt.Sprintf(MsgVoiceResolvedPartial, resolved, total, failed))
		sb.WriteString("\n")
	}
	cur := s.CurrentTrack()
	if wasIdle && cur != nil {
		sb.WriteString(fmt.Sprintf(MsgVoiceNowPlaying, cur.DisplayTitle()))
		if n := s.QueueLen(); n > 0 {
			sb.WriteString(fmt.Sprintf(" (+%d queued)", n))
		}
	} else if cur != nil {
		sb.WriteString(fmt.Sprintf(MsgVoiceQueuedBatch, s.QueueLen()))
	} else {
		sb.WriteString(ErrVoiceResolutionFailed)
	}
	return sb.String()
}

// splitQueries turns the raw query option into one query per batch
// slot. A run of links becomes one query each; anything else is a
// single search query.
func splitQueries(input string) []string {
	fields := strings.Fields(input)
	links := 0
	for _, f := range fields {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			links++
		}
	}
	if links > 1 && links == len(fields) {
		return fields
	}
	return []string{strings.TrimSpace(input)}
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().registry.Get(*event.GuildID())
	if s == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return
	}
	if s.State() == StateIdle {
		respondEphemeral(event, ErrVoiceNothingPlaying)
		return
	}
	s.Pause()
	respond(event, MsgVoicePaused)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().registry.Get(*event.GuildID())
	if s == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return
	}
	if s.State() == StateIdle {
		respondEphemeral(event, ErrVoiceNothingPlaying)
		return
	}
	s.Resume()
	respond(event, MsgVoiceResumed)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().registry.Get(*event.GuildID())
	if s == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return
	}
	if cur := s.Advance(); cur != nil {
		respond(event, fmt.Sprintf(MsgVoiceSkipped, cur.DisplayTitle()))
	} else {
		respond(event, MsgVoiceSkippedToEnd)
	}
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().registry.Get(*event.GuildID())
	if s == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return
	}
	n := s.QueueLen()
	if n == 0 {
		respondEphemeral(event, MsgVoiceQueueEmpty)
		return
	}
	s.Shuffle()
	respond(event, fmt.Sprintf(MsgVoiceShuffled, n))
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	s := GetVoiceManager().registry.Get(*event.GuildID())
	if s == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return
	}

	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(queueContent(s)).
		WithEphemeral(true).
		WithComponents(discord.NewActionRow(discord.NewSecondaryButton("Refresh", "queue:refresh"))))
}

// queueContent renders the now-playing line plus the next ten queued
// tracks. Shared by the /queue command and its refresh button.
func queueContent(s *Session) string {
	var sb strings.Builder
	if cur := s.CurrentTrack(); cur != nil {
		state := ""
		if s.State() == StatePaused {
			state = " (paused)"
		}
		sb.WriteString("**Now Playing:**" + state + "\n")
		sb.WriteString(fmt.Sprintf("[%s](<%s>)\n\n", cur.DisplayTitle(), cur.Link))
	}

	sb.WriteString("**Queue:**\n")
	upcoming := s.QueueSnapshot()
	if len(upcoming) == 0 {
		sb.WriteString("_" + MsgVoiceQueueEmpty + "_")
	} else {
		for i, t := range upcoming {
			if i >= 10 {
				sb.WriteString(fmt.Sprintf("\n*...and %d more*", len(upcoming)-10))
				break
			}
			sb.WriteString(fmt.Sprintf("`%d.` [%s](<%s>)\n", i+1, t.DisplayTitle(), t.Link))
		}
	}
	return sb.String()
}

func handleQueueRefresh(event *events.ComponentInteractionCreate) {
	if event.GuildID() == nil {
		return
	}
	s := GetVoiceManager().registry.Get(*event.GuildID())
	if s == nil {
		_ = event.UpdateMessage(discord.NewMessageUpdate().WithContent(ErrVoiceNoSession))
		return
	}
	_ = event.UpdateMessage(discord.NewMessageUpdate().WithContent(queueContent(s)))
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	GetVoiceManager().Leave(context.Background(), *event.GuildID())
	respond(event, MsgVoiceStopped)
}

func handleMusicHistory(event *events.ApplicationCommandInteractionCreate) {
	entries, err := GetRecentHistory(context.Background(), *event.GuildID(), 10)
	if err != nil {
		LogError("Failed to query play history: %v", err)
		respondEphemeral(event, MsgVoiceHistoryEmpty)
		return
	}
	if len(entries) == 0 {
		respondEphemeral(event, MsgVoiceHistoryEmpty)
		return
	}

	var sb strings.Builder
	sb.WriteString("**Recently Played:**\n")
	for i, e := range entries {
		title := e.Title
		if title == "" {
			title = e.Link
		}
		sb.WriteString(fmt.Sprintf("`%d.` [%s](<%s>)", i+1, title, e.Link))
		if e.PlayCount > 1 {
			sb.WriteString(fmt.Sprintf(" ×%d", e.PlayCount))
		}
		sb.WriteString("\n")
	}
	if count, err := GetHistoryCount(context.Background(), *event.GuildID()); err == nil && count > len(entries) {
		sb.WriteString(fmt.Sprintf("_%d tracks on record._", count))
	}

	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(sb.String()).
		WithEphemeral(true))
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for _, r := range SearchChoices(q) {
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: r.Title, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// ===========================
// Response Helpers
// ===========================

func respond(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(content))
}

func respondEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.NewMessageCreate().WithContent(content).WithEphemeral(true))
}
