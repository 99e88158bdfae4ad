package api

import (
	"time"

	"pairhub/cmd/internal/pairing"
)

type createSessionRequest struct {
	SubjectIdentifier string `json:"subjectIdentifier"`
	Mode              string `json:"mode,omitempty"`
}

type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	Mode      string    `json:"mode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type peerResponse struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type sessionResponse struct {
	SessionID         string        `json:"sessionId"`
	Status            string        `json:"status"`
	SubjectIdentifier string        `json:"subjectIdentifier"`
	Mode              string        `json:"mode"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastUpdate        time.Time     `json:"lastUpdate"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	Viewers           int           `json:"viewers"`
	FailureReason     string        `json:"failureReason,omitempty"`
	Peer              *peerResponse `json:"peer,omitempty"`
}

type summaryResponse struct {
	SessionID         string    `json:"sessionId"`
	Status            string    `json:"status"`
	SubjectIdentifier string    `json:"subjectIdentifier"`
	Mode              string    `json:"mode"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUpdate        time.Time `json:"lastUpdate"`
}

type listSessionsResponse struct {
	Count    int               `json:"count"`
	Sessions []summaryResponse `json:"sessions"`
}

type credentialResponse struct {
	SessionID  string `json:"sessionId"`
	Mode       string `json:"mode"`
	Credential string `json:"credential"`
}

type notReadyResponse struct {
	Error  apiError `json:"error"`
	Status string   `json:"status"`
}

type transitionResponse struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type historyResponse struct {
	SessionID   string               `json:"sessionId"`
	Transitions []transitionResponse `json:"transitions"`
}

func toSessionResponse(s pairing.Session, expiresAt time.Time, viewers int) sessionResponse {
	out := sessionResponse{
		SessionID:         s.ID,
		Status:            string(s.Status),
		SubjectIdentifier: s.Subject,
		Mode:              string(s.Mode),
		CreatedAt:         s.CreatedAt,
		LastUpdate:        s.LastUpdate,
		ExpiresAt:         expiresAt,
		Viewers:           viewers,
		FailureReason:     s.FailureReason,
	}
	if s.Peer.ID != "" {
		out.Peer = &peerResponse{ID: s.Peer.ID, Name: s.Peer.Name}
	}
	return out
}

func toSummaryResponse(s pairing.Summary) summaryResponse {
	return summaryResponse{
		SessionID:         s.ID,
		Status:            string(s.Status),
		SubjectIdentifier: s.Subject,
		Mode:              string(s.Mode),
		CreatedAt:         s.CreatedAt,
		LastUpdate:        s.LastUpdate,
	}
}
