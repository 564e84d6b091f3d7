package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
)

// criticalPrefix marks a line whose delivery must be confirmed.
const criticalPrefix = "!"

const deliveryWait = 30 * time.Second

type outgoing struct {
	payload  []byte
	critical bool
}

func parseLine(line string) (outgoing, bool) {
	line = strings.TrimRight(line, "\r")
	critical := strings.HasPrefix(line, criticalPrefix)
	if critical {
		line = strings.TrimPrefix(line, criticalPrefix)
	}
	if line == "" {
		return outgoing{}, false
	}
	return outgoing{payload: []byte(line), critical: critical}, true
}

// pumpLines sends every line of r to the coordinator returned by current. Lines
// read while there is no call are dropped.
func pumpLines(ctx context.Context, r io.Reader, current func() *callsession.Coordinator, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	var n int
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		n++

		coord := current()
		if coord == nil {
			logger.Warn("no active call; dropping line", "line", n)
			continue
		}
		description := fmt.Sprintf("stdin line %d", n)
		fut := coord.SendMessage(msg.payload, description, msg.critical)
		if !msg.critical {
			continue
		}
		go func() {
			waitCtx, cancel := context.WithTimeout(ctx, deliveryWait)
			defer cancel()
			if _, err := fut.Wait(waitCtx); err != nil {
				logger.Warn("critical message not delivered", "description", description, "err", err)
				return
			}
			logger.Info("critical message delivered", "description", description)
		}()
	}
	return scanner.Err()
}

// eventPrinter logs session events and writes received messages to out.
type eventPrinter struct {
	logger *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func newEventPrinter(logger *slog.Logger, out io.Writer) *eventPrinter {
	return &eventPrinter{logger: logger, out: out}
}

func (p *eventPrinter) delegate() callsession.Delegate {
	return callsession.DelegateFuncs{
		OnICEConnected:    func() { p.logger.Info("call connected") },
		OnICEDisconnected: func() { p.logger.Warn("call connectivity lost") },
		OnICEFailed:       func() { p.logger.Error("call connectivity failed") },
		OnLocalVideoTrackChanged: func(track callsession.Track) {
			p.logger.Info("local video track changed", "present", track != nil)
		},
		OnRemoteVideoTrackChanged: func(track callsession.Track) {
			p.logger.Info("remote video track changed", "present", track != nil)
		},
		OnDataChannelOpened: func() { p.logger.Info("data channel open") },
		OnDataChannelMessageReceived: func(payload []byte) {
			p.mu.Lock()
			defer p.mu.Unlock()
			_, _ = fmt.Fprintf(p.out, "< %s\n", payload)
		},
	}
}
