package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrex/dlt-keyx/pkg/types"
)

type errorResponse struct {
	Kind    types.ErrorKind `json:"kind,omitempty"`
	Message string          `json:"message"`
}

type sharedResponse struct {
	Recipient types.Identity       `json:"recipient"`
	Records   []types.SharedRecord `json:"records"`
}

type grantResponse struct {
	Owner      types.Identity   `json:"owner"`
	Recipient  types.Identity   `json:"recipient"`
	DocumentID string           `json:"document_id"`
	State      types.GrantState `json:"state"`
}

// handleSharedWith lists the records shared with {address}, newest first
func (s *Service) handleSharedWith(w http.ResponseWriter, r *http.Request) {
	recipient, err := types.ParseIdentity(mux.Vars(r)["address"])
	if err != nil {
		s.writeProtocolError(w, err)
		return
	}
	if caller, ok := callerFrom(r.Context()); ok && !caller.Equal(recipient) {
		s.writeErrorResponse(w, http.StatusForbidden, "callers may only list their own shared records")
		return
	}

	records, err := s.records.SharedWithMe(r.Context(), recipient)
	if err != nil {
		s.writeProtocolError(w, err)
		return
	}
	if records == nil {
		records = []types.SharedRecord{}
	}
	s.writeJSONResponse(w, http.StatusOK, sharedResponse{Recipient: recipient, Records: records})
}

// handleGrantStatus reports a tuple's state to its owner or recipient
func (s *Service) handleGrantStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tuple := types.GrantTuple{
		Owner:      types.Identity(vars["owner"]),
		Recipient:  types.Identity(vars["recipient"]),
		DocumentID: vars["document"],
	}
	if err := tuple.Validate(); err != nil {
		s.writeProtocolError(w, err)
		return
	}
	tuple = tuple.Normalize()
	if caller, ok := callerFrom(r.Context()); ok && !caller.Equal(tuple.Owner) && !caller.Equal(tuple.Recipient) {
		s.writeErrorResponse(w, http.StatusForbidden, "callers may only query their own grants")
		return
	}

	state, err := s.records.GrantStatus(r.Context(), tuple)
	if err != nil {
		s.writeProtocolError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, grantResponse{
		Owner:      tuple.Owner,
		Recipient:  tuple.Recipient,
		DocumentID: tuple.DocumentID,
		State:      state,
	})
}

func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Service) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, errorResponse{Message: message})
}

// writeProtocolError maps an error kind to its HTTP status
func (s *Service) writeProtocolError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.KindInvalidIdentity:
		status = http.StatusBadRequest
	case types.KindAccessDenied, types.KindNotOwner:
		status = http.StatusForbidden
	case types.KindDocumentNotFound, types.KindKeyNotStored:
		status = http.StatusNotFound
	case types.KindCollaboratorUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}
	s.writeJSONResponse(w, status, errorResponse{Kind: kind, Message: err.Error()})
}
