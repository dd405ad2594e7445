package core

import (
	"context"
	"errors"
	"time"

	"flowproxy/logger"
	"flowproxy/models"
)

// Replay sends f's current request again on a fresh upstream connection and
// records the outcome on f. On failure f keeps its previous response and
// gains an error.
func (s *Session) Replay(ctx context.Context, f *models.Flow) error {
	if err := s.beginReplay(f); err != nil {
		return err
	}
	defer s.endReplay(f)
	return s.replay(ctx, f)
}

// ReplayAsync starts a replay and returns at once. The channel yields the
// replay's result after f has been updated.
func (s *Session) ReplayAsync(ctx context.Context, f *models.Flow) <-chan error {
	done := make(chan error, 1)
	if err := s.beginReplay(f); err != nil {
		done <- err
		close(done)
		return done
	}
	go func() {
		defer close(done)
		defer s.endReplay(f)
		done <- s.replay(ctx, f)
	}()
	return done
}

func (s *Session) beginReplay(f *models.Flow) error {
	if f.Live() {
		return ErrFlowLive
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	if s.replaying[f.ID] {
		return ErrReplayInProgress
	}
	s.replaying[f.ID] = true
	return nil
}

func (s *Session) endReplay(f *models.Flow) {
	s.replayMu.Lock()
	delete(s.replaying, f.ID)
	s.replayMu.Unlock()
}

func (s *Session) replay(ctx context.Context, f *models.Flow) error {
	req := f.Snapshot().Request
	if req == nil {
		return errors.New("flow has no request to replay")
	}
	dest := destinationOf(req)
	s.Events.Add(EventReplay, "", "flow %s to %s", f.ID, dest)

	fail := func(err error) error {
		logger.ProxyWarn("Replay of flow %s failed: %v", f.ID, err)
		f.SetError(classify(err), err.Error())
		s.save(f)
		return err
	}

	conn, err := dialUpstream(ctx, dest, s.Options.Upstream)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	f.SetServerConn(conn.serverConnection(false))

	now := time.Now()
	req.TimestampStart, req.TimestampEnd = now, now
	if err := conn.WriteRequest(req); err != nil {
		return fail(err)
	}
	f.SetRequest(req)
	resp, _, err := conn.ReadResponse(req.Method, s.Options.BodySizeLimit)
	if err != nil {
		return fail(err)
	}
	f.SetResponse(resp)
	s.save(f)
	logger.ProxyInfo("Replayed flow %s: %d", f.ID, resp.StatusCode)
	return nil
}
