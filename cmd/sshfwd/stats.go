package main

import (
	"time"

	"github.com/matst80/sshfwd/internal/session"
)

// Stats represents the current forwarder state for dashboards & API.
type Stats struct {
	State    string                `json:"state"`
	Endpoint string                `json:"endpoint"`
	Channels []session.ChannelInfo `json:"channels"`
	Now      string                `json:"now"`
}

func collectStats(sv *session.Supervisor, endpoint string) Stats {
	st := Stats{
		State:    session.Disconnected.String(),
		Endpoint: endpoint,
		Channels: []session.ChannelInfo{},
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
	if s := sv.Current(); s != nil {
		state, chans := s.Snapshot()
		st.State = state.String()
		st.Channels = chans
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"State":    s.State,
		"Endpoint": s.Endpoint,
		"Channels": s.Channels,
	}
}
