package voice

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/logging"
	"github.com/discord-voice-copilot/internal/metrics"
)

// maxFrameSamples is the largest opus frame (120 ms at 48 kHz) per channel.
const maxFrameSamples = 5760

// Receiver adapts a discordgo voice connection into per-user decoded audio
// streams. It maps SSRCs to user IDs from speaking updates, forwards
// speaking-start events to the Guard, and routes opus packets into the
// active subscription for that user. Audio for users without a live
// subscription is dropped.
type Receiver struct {
	cfg      config.Audio
	guard    *Guard
	pipeline *metrics.Pipeline

	mu      sync.Mutex
	ssrcMap map[uint32]string

	subsMu sync.Mutex
	subs   map[string]*subscription
}

func NewReceiver(cfg config.Audio, pipeline *metrics.Pipeline) *Receiver {
	return &Receiver{
		cfg:      cfg,
		pipeline: pipeline,
		ssrcMap:  make(map[uint32]string),
		subs:     make(map[string]*subscription),
	}
}

// AttachGuard wires the admission guard. The receiver is the guard's
// Subscriber, so the two are built separately and linked here.
func (r *Receiver) AttachGuard(g *Guard) { r.guard = g }

// HandleSpeakingUpdate records the SSRC -> user mapping and doubles as the
// speaking-start event source for the Guard.
func (r *Receiver) HandleSpeakingUpdate(ctx context.Context, su *discordgo.VoiceSpeakingUpdate) {
	r.mu.Lock()
	r.ssrcMap[uint32(su.SSRC)] = su.UserID
	r.mu.Unlock()
	logging.Debugw("speaking update", "ssrc", su.SSRC, "user_id", su.UserID, "speaking", su.Speaking)
	if su.Speaking && r.guard != nil {
		r.guard.HandleSpeakingStart(ctx, su.UserID)
	}
}

// Run consumes opus packets from the voice connection until the channel
// closes or ctx is cancelled, routing each packet to its user's live
// subscription.
func (r *Receiver) Run(ctx context.Context, vc *discordgo.VoiceConnection) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			r.routePacket(uint32(pkt.SSRC), pkt.Opus)
		}
	}
}

func (r *Receiver) routePacket(ssrc uint32, payload []byte) {
	r.mu.Lock()
	uid := r.ssrcMap[ssrc]
	r.mu.Unlock()
	if uid == "" {
		return
	}
	r.subsMu.Lock()
	sub := r.subs[uid]
	r.subsMu.Unlock()
	if sub == nil {
		return
	}
	sub.push(payload)
}

// Subscribe opens a decoded stream for one speech turn. The stream ends
// after cfg.SilenceDuration ms without a packet. Implements Subscriber.
func (r *Receiver) Subscribe(userID string) (Stream, error) {
	dec, err := opus.NewDecoder(r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	sub := newSubscription(userID, dec, r.cfg, r.pipeline, func() {
		r.subsMu.Lock()
		if r.subs[userID] != nil {
			delete(r.subs, userID)
		}
		r.subsMu.Unlock()
	})

	r.subsMu.Lock()
	if r.subs[userID] != nil {
		r.subsMu.Unlock()
		sub.stop()
		return nil, fmt.Errorf("subscription already open for user %s", userID)
	}
	r.subs[userID] = sub
	r.subsMu.Unlock()

	go sub.run()
	return sub, nil
}

// CloseAll tears down every open subscription, e.g. when leaving a channel.
func (r *Receiver) CloseAll() {
	r.subsMu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subsMu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

// item carries either one decoded block or a terminal decode error.
type item struct {
	block []byte
	err   error
}

// subscription is one user's live audio stream: an opus decode worker with a
// silence timer that ends the turn.
type subscription struct {
	userID   string
	dec      *opus.Decoder
	channels int
	silence  time.Duration
	pipeline *metrics.Pipeline

	opusCh chan []byte
	out    chan item

	stopOnce sync.Once
	done     chan struct{}
	onClose  func()
}

func newSubscription(userID string, dec *opus.Decoder, cfg config.Audio, pipeline *metrics.Pipeline, onClose func()) *subscription {
	return &subscription{
		userID:   userID,
		dec:      dec,
		channels: cfg.Channels,
		silence:  cfg.SilenceTimeout(),
		pipeline: pipeline,
		opusCh:   make(chan []byte, 64),
		out:      make(chan item, 64),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
}

// push enqueues an encoded frame without blocking the receive loop; frames
// are dropped when the queue is full.
func (s *subscription) push(payload []byte) {
	buf := append([]byte(nil), payload...)
	select {
	case s.opusCh <- buf:
	case <-s.done:
	default:
		if s.pipeline != nil {
			s.pipeline.PacketsDropped.Inc()
		}
		logging.Warnw("dropping opus frame; subscription queue full", "user_id", s.userID)
	}
}

func (s *subscription) run() {
	timer := time.NewTimer(s.silence)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
			// Silence window elapsed: the speech turn is over.
			close(s.out)
			s.stop()
			return
		case payload := <-s.opusCh:
			pcm := make([]int16, maxFrameSamples*s.channels)
			n, err := s.dec.Decode(payload, pcm)
			if err != nil {
				if s.pipeline != nil {
					s.pipeline.DecodeErrors.Inc()
				}
				s.deliver(item{err: fmt.Errorf("opus decode: %w", err)})
				s.stop()
				return
			}
			block := pcmToBytes(pcm[:n*s.channels])
			s.deliver(item{block: block})
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.silence)
		}
	}
}

func (s *subscription) deliver(it item) {
	select {
	case s.out <- it:
	case <-s.done:
	}
}

// Next implements Stream.
func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it, ok := <-s.out:
		if !ok {
			return nil, io.EOF
		}
		if it.err != nil {
			return nil, it.err
		}
		return it.block, nil
	}
}

// Close implements Stream; safe to call multiple times.
func (s *subscription) Close() error {
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func pcmToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}
