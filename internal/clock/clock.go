// Package clock provides wall-clock time from an RTC or the system clock,
// corrected by NTP or manual setting.
package clock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Defaults for Sync.
const (
	DefaultRetries    = 10
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultTimeout    = 2 * time.Second
)

// RTC is a hardware real-time clock.
type RTC interface {
	Read() (time.Time, error)
}

// SettableRTC is an RTC that can be written.
type SettableRTC interface {
	RTC
	Set(t time.Time) error
}

// Config configures a Source.
type Config struct {
	RTC        RTC // optional
	Servers    []string
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
	Location   *time.Location
}

// queryFunc returns the offset of the local system clock against an NTP server.
type queryFunc func(server string, timeout time.Duration) (time.Duration, error)

func queryNTP(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Status describes where the current time comes from.
type Status struct {
	Source    string        `json:"source"` // "rtc", "ntp", "manual" or "local"
	Time      time.Time     `json:"time"`
	Offset    time.Duration `json:"offset_ns"`
	LastSync  time.Time     `json:"last_sync"`
	LastError string        `json:"last_error,omitempty"`
}

// Source is the clock used by the rule engine. Now is the base clock (the
// RTC when configured and readable, else the system clock) plus a correction
// offset maintained by Sync and Set.
type Source struct {
	rtc        RTC
	servers    []string
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
	loc        *time.Location
	query      queryFunc
	system     func() time.Time
	logger     *slog.Logger

	mu        sync.RWMutex
	offset    time.Duration
	origin    string
	lastSync  time.Time
	lastErr   string
	rtcFailed bool
}

// New creates a Source.
func New(cfg Config, logger *slog.Logger) *Source {
	s := &Source{
		rtc:        cfg.RTC,
		servers:    cfg.Servers,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
		loc:        cfg.Location,
		query:      queryNTP,
		system:     time.Now,
		logger:     logger.With("component", "clock"),
		origin:     "local",
	}
	if s.retries <= 0 {
		s.retries = DefaultRetries
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.rtc != nil {
		s.origin = "rtc"
	}
	return s
}

// base returns the uncorrected time.
func (s *Source) base() time.Time {
	if s.rtc == nil {
		return s.system()
	}
	t, err := s.rtc.Read()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if !s.rtcFailed {
			s.logger.Warn("rtc read failed, using system clock", "err", err)
			s.lastErr = fmt.Sprintf("rtc: %v", err)
		}
		s.rtcFailed = true
		return s.system()
	}
	if s.rtcFailed {
		s.logger.Info("rtc readable again")
		s.rtcFailed = false
	}
	return t
}

// Now returns the corrected wall-clock time in the configured location.
func (s *Source) Now() time.Time {
	b := s.base()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return b.Add(s.offset).In(s.loc)
}

// Location returns the configured time zone.
func (s *Source) Location() *time.Location { return s.loc }

// Sync queries the configured NTP servers, retrying up to the configured
// count, and adopts the first valid answer. Without any answer the clock keeps
// its current correction.
func (s *Source) Sync(ctx context.Context) error {
	if len(s.servers) == 0 {
		return errors.New("no ntp servers configured")
	}
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		for _, server := range s.servers {
			sysOffset, err := s.query(server, s.timeout)
			if err != nil {
				lastErr = fmt.Errorf("ntp %s: %w", server, err)
				continue
			}
			s.adopt(s.system().Add(sysOffset), "ntp")
			s.logger.Info("time synchronized", "server", server, "attempt", attempt+1, "offset", sysOffset)
			return nil
		}
	}
	s.mu.Lock()
	s.lastErr = lastErr.Error()
	s.mu.Unlock()
	s.logger.Warn("time sync failed, keeping local time", "attempts", s.retries, "err", lastErr)
	return lastErr
}

// Set adjusts the clock to t. A writable RTC is set directly.
func (s *Source) Set(t time.Time) error {
	if rtc, ok := s.rtc.(SettableRTC); ok {
		if err := rtc.Set(t); err != nil {
			return fmt.Errorf("set rtc: %w", err)
		}
		s.mu.Lock()
		s.offset = 0
		s.origin = "manual"
		s.mu.Unlock()
		return nil
	}
	s.adopt(t, "manual")
	return nil
}

// adopt sets the offset so that the current time reads as t.
func (s *Source) adopt(t time.Time, origin string) {
	b := s.base()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = t.Sub(b)
	s.origin = origin
	s.lastSync = s.system()
	s.lastErr = ""
}

// Status reports the current time and its provenance.
func (s *Source) Status() Status {
	now := s.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Source:    s.origin,
		Time:      now,
		Offset:    s.offset,
		LastSync:  s.lastSync,
		LastError: s.lastErr,
	}
}
