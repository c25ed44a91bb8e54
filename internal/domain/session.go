package domain

import "time"

// Snapshot is the point-in-time registry view returned by LIST.
type Snapshot struct {
	Sessions []SessionSnapshot `json:"sessions"`
}

type SessionSnapshot struct {
	SessionID     string           `json:"sessionId"`
	AudioSSRC     uint32           `json:"audioSsrc"`
	VideoSSRC     uint32           `json:"videoSsrc"`
	TargetCount   int              `json:"targetCount"`
	AudioTeeReady bool             `json:"audioTeeReady"`
	VideoTeeReady bool             `json:"videoTeeReady"`
	Targets       []TargetSnapshot `json:"targets"`
}

type TargetSnapshot struct {
	TargetID    string `json:"targetId"`
	Host        string `json:"host"`
	AudioPort   int    `json:"audioPort"`
	VideoPort   int    `json:"videoPort"`
	AudioLinked bool   `json:"audioLinked"`
	VideoLinked bool   `json:"videoLinked"`
}

// UnclaimedSnapshot describes an SSRC whose packets are being discarded
// because no session has claimed it.
type UnclaimedSnapshot struct {
	SSRC         uint32    `json:"ssrc"`
	Kind         string    `json:"kind"`
	Since        time.Time `json:"since"`
	LastActivity time.Time `json:"lastActivity"`
	Discarded    uint64    `json:"discarded"`
}

func (s Snapshot) Session(id string) (SessionSnapshot, bool) {
	for _, sess := range s.Sessions {
		if sess.SessionID == id {
			return sess, true
		}
	}
	return SessionSnapshot{}, false
}

func (s SessionSnapshot) Target(id string) (TargetSnapshot, bool) {
	for _, t := range s.Targets {
		if t.TargetID == id {
			return t, true
		}
	}
	return TargetSnapshot{}, false
}
