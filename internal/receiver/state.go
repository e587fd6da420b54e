// Package receiver talks to the auxiliary receiver and moves it between whole-state snapshots.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrConnection is returned when the device does not respond or rejects the PIN.
	ErrConnection = errors.New("receiver connection failed")
	// ErrInvalidState is returned when a read yields a missing or mistyped value.
	ErrInvalidState = errors.New("invalid receiver state")
)

// DefaultWriteDelay separates consecutive field writes.
const DefaultWriteDelay = 300 * time.Millisecond

// State is a complete snapshot of the receiver's controllable attributes.
type State struct {
	Volume int    `json:"volume"`
	Mode   string `json:"mode"`
	Power  bool   `json:"power"`
	Mute   bool   `json:"mute"`
}

// Session is an open remote session with the receiver.
type Session interface {
	FriendlyName(ctx context.Context) (string, error)

	Volume(ctx context.Context) (int, error)
	Mode(ctx context.Context) (string, error)
	Power(ctx context.Context) (bool, error)
	Mute(ctx context.Context) (bool, error)

	SetVolume(ctx context.Context, volume int) error
	SetMode(ctx context.Context, mode string) error
	SetPower(ctx context.Context, on bool) error
	SetMute(ctx context.Context, muted bool) error
}

// Connector opens new sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ReadState reads all four fields from the session.
func ReadState(ctx context.Context, s Session) (State, error) {
	var st State
	var err error

	if st.Volume, err = s.Volume(ctx); err != nil {
		return State{}, fieldError("volume", err)
	}
	if st.Mode, err = s.Mode(ctx); err != nil {
		return State{}, fieldError("mode", err)
	}
	if st.Power, err = s.Power(ctx); err != nil {
		return State{}, fieldError("power", err)
	}
	if st.Mute, err = s.Mute(ctx); err != nil {
		return State{}, fieldError("mute", err)
	}

	if st.Volume < 0 {
		return State{}, fmt.Errorf("%w: volume %d", ErrInvalidState, st.Volume)
	}
	if st.Mode == "" {
		return State{}, fmt.Errorf("%w: empty mode", ErrInvalidState)
	}

	log.Debug().
		Bool("power", st.Power).
		Str("mode", st.Mode).
		Int("volume", st.Volume).
		Bool("mute", st.Mute).
		Msg("Current receiver state")

	return st, nil
}

func fieldError(field string, err error) error {
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrConnection) {
		return fmt.Errorf("read %s: %w", field, err)
	}
	return fmt.Errorf("read %s: %w: %v", field, ErrInvalidState, err)
}

// WriteState applies st in the order mode, volume, mute, power with delay between writes.
// Setting the mode powers the device on, so power goes last and only sticks after the others settle.
func WriteState(ctx context.Context, s Session, st State, delay time.Duration) error {
	log.Debug().
		Bool("power", st.Power).
		Str("mode", st.Mode).
		Int("volume", st.Volume).
		Bool("mute", st.Mute).
		Msg("Setting receiver state")

	if err := s.SetMode(ctx, st.Mode); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := s.SetVolume(ctx, st.Volume); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := s.SetMute(ctx, st.Mute); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := s.SetPower(ctx, st.Power); err != nil {
		return fmt.Errorf("set power: %w", err)
	}
	return nil
}

// Alive reports whether the session still answers a volume read.
func Alive(ctx context.Context, s Session) bool {
	if s == nil {
		return false
	}
	_, err := s.Volume(ctx)
	return err == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
