// Package pulse handles PulseAudio source discovery, selection, and PCM
// capture streams for the listening pipeline.
package pulse

import (
	"errors"
	"fmt"
	"strings"

	pulselib "github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const appName = "sufler"

// Kind selects which class of input source the pipeline listens to.
type Kind string

const (
	// KindLoopback captures what the machine is playing (meeting audio)
	// through a sink monitor source.
	KindLoopback Kind = "loopback"
	// KindMicrophone captures the local microphone.
	KindMicrophone Kind = "microphone"
)

// ErrNoDevices is returned when the Pulse server reports no input sources.
var ErrNoDevices = errors.New("pulse: no audio input sources found")

// ErrDeviceUnavailable is returned when the requested source exists but
// cannot currently capture audio.
var ErrDeviceUnavailable = errors.New("pulse: source unavailable")

// Source describes one Pulse input source.
type Source struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
	Monitor     bool
}

// Selection is the resolved capture source plus fallback warning context.
type Selection struct {
	Source   Source
	Warning  string
	Fallback bool
}

// ListSources returns the Pulse input sources with default, availability and
// monitor metadata.
func ListSources() ([]Source, error) {
	client, err := pulselib.NewClient(
		pulselib.ClientApplicationName(appName),
		pulselib.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	sources := make([]Source, 0, len(sourceInfos))
	for _, info := range sourceInfos {
		if info == nil {
			continue
		}
		sources = append(sources, Source{
			ID:          info.SourceName,
			Description: info.Device,
			State:       sourceStateString(info.State),
			Available:   sourceAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == defaultID,
			Monitor:     isMonitorName(info.SourceName, info.Device),
		})
	}
	return sources, nil
}

// SelectSource resolves the configured device preference against the live
// source list. An explicit device term always wins; otherwise the policy
// prefers monitor sources for loopback capture and real inputs for
// microphone capture, degrading to the default input with a warning when no
// source of the requested kind exists.
func SelectSource(kind Kind, device string) (Selection, error) {
	sources, err := ListSources()
	if err != nil {
		return Selection{}, err
	}
	return selectFromList(sources, kind, device)
}

func selectFromList(sources []Source, kind Kind, device string) (Selection, error) {
	if len(sources) == 0 {
		return Selection{}, ErrNoDevices
	}

	device = strings.TrimSpace(strings.ToLower(device))

	if device != "" && device != "default" {
		for i := range sources {
			if !sourceMatches(sources[i], device) {
				continue
			}
			if !usable(sources[i]) {
				return Selection{}, fmt.Errorf("%w: %q is %s", ErrDeviceUnavailable, sources[i].ID, unusableReason(sources[i]))
			}
			return Selection{Source: sources[i]}, nil
		}
		return Selection{}, fmt.Errorf("%w: no source matches %q", ErrDeviceUnavailable, device)
	}

	wantMonitor := kind == KindLoopback

	// First pass: usable sources of the requested kind, default first.
	if s := pickByKind(sources, wantMonitor); s != nil {
		return Selection{Source: *s}, nil
	}

	// Degraded: fall back to the default input so the pipeline still runs,
	// e.g. loopback requested on a system with no monitor sources.
	for i := range sources {
		if sources[i].Default && usable(sources[i]) {
			return Selection{
				Source:   sources[i],
				Warning:  fmt.Sprintf("no usable %s source; falling back to default input %q", kind, sources[i].ID),
				Fallback: true,
			}, nil
		}
	}
	for i := range sources {
		if usable(sources[i]) {
			return Selection{
				Source:   sources[i],
				Warning:  fmt.Sprintf("no usable %s source; falling back to %q", kind, sources[i].ID),
				Fallback: true,
			}, nil
		}
	}

	return Selection{}, fmt.Errorf("%w: no usable input source", ErrDeviceUnavailable)
}

// pickByKind returns the best usable source of the requested kind: the
// default source if it qualifies, otherwise the first match.
func pickByKind(sources []Source, wantMonitor bool) *Source {
	var first *Source
	for i := range sources {
		s := &sources[i]
		if s.Monitor != wantMonitor || !usable(*s) {
			continue
		}
		if s.Default {
			return s
		}
		if first == nil {
			first = s
		}
	}
	return first
}

func usable(s Source) bool {
	return s.Available && !s.Muted
}

func unusableReason(s Source) string {
	if s.Muted {
		return "muted"
	}
	return "unavailable"
}

// sourceMatches reports whether a search term matches a source id or
// description.
func sourceMatches(s Source, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s.ID), term) ||
		strings.Contains(strings.ToLower(s.Description), term)
}

// isMonitorName reports whether a source looks like a sink monitor, i.e. a
// loopback of what the machine is playing. Pulse names monitors
// "<sink>.monitor"; some drivers expose a "Stereo Mix" style device instead.
func isMonitorName(id, description string) bool {
	if strings.HasSuffix(strings.ToLower(id), ".monitor") {
		return true
	}
	desc := strings.ToLower(description)
	return strings.Contains(desc, "monitor of") || strings.Contains(desc, "stereo mix")
}

// sourceStateString maps Pulse source state constants to readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a boolean.
func sourceAvailable(info *pulseproto.GetSourceInfoReply) bool {
	if info == nil {
		return false
	}
	if len(info.Ports) == 0 {
		return true
	}
	for _, port := range info.Ports {
		if port.Name != info.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
