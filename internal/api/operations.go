package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// MaxRequestWindow bounds how far in the future a signed request deadline
// may lie.
const MaxRequestWindow = 10 * time.Minute

var errBadPayload = errors.New("invalid payload")

// Operator is the write side of the engine. *gatekeeper.Engine satisfies it.
type Operator interface {
	ChangeConfiguration(ctx context.Context, caller participant.Participant, actions []gatekeeper.Action, expectedNonce uint64) (common.Hash, error)
	BoostedConfigChange(ctx context.Context, booster participant.Participant, actions []gatekeeper.Action, expectedNonce uint64, signerPermsLevel permissions.PermsLevel, signature []byte) (common.Hash, error)
	ApproveConfig(ctx context.Context, approver participant.Participant, ref gatekeeper.ChangeRef) error
	ApplyConfig(ctx context.Context, caller participant.Participant, ref gatekeeper.ChangeRef) error
	CancelOperation(ctx context.Context, canceller participant.Participant, ref gatekeeper.ChangeRef) error
	ScheduleBypassCall(ctx context.Context, caller participant.Participant, call gatekeeper.BypassCall, expectedNonce uint64) (common.Hash, error)
	ExecuteBypassCall(ctx context.Context, caller participant.Participant, call gatekeeper.BypassCall) error
	ApproveBypassCall(ctx context.Context, approver participant.Participant, ref gatekeeper.BypassRef) error
	ApplyBypassCall(ctx context.Context, caller participant.Participant, ref gatekeeper.BypassRef) error
	CancelBypassCall(ctx context.Context, canceller participant.Participant, ref gatekeeper.BypassRef) error
	Freeze(ctx context.Context, caller participant.Participant, level permissions.Level, duration time.Duration) error
}

// SignedRequest carries an operation payload signed by the participant it
// acts for. The signer is recovered, never sent.
type SignedRequest struct {
	PermsLevel permissions.PermsLevel `json:"permsLevel"`
	Deadline   int64                  `json:"deadline"`
	Payload    json.RawMessage        `json:"payload"`
	Signature  hexutil.Bytes          `json:"signature"`
}

// HashSigner personal-signs a hash. *ethereum.Signer satisfies it.
type HashSigner interface {
	SignHash(hash common.Hash) ([]byte, error)
}

// RequestHash is what a participant signs to send payload to path.
func RequestHash(path string, deadline int64, payload []byte) common.Hash {
	var d [8]byte
	binary.BigEndian.PutUint64(d[:], uint64(deadline))
	return crypto.Keccak256Hash([]byte(path), d[:], payload)
}

// NewSignedRequest builds the body for a signed route.
func NewSignedRequest(signer HashSigner, path string, pl permissions.PermsLevel, payload any, deadline time.Time) (SignedRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignedRequest{}, err
	}
	sig, err := signer.SignHash(RequestHash(path, deadline.Unix(), raw))
	if err != nil {
		return SignedRequest{}, err
	}
	return SignedRequest{PermsLevel: pl, Deadline: deadline.Unix(), Payload: raw, Signature: sig}, nil
}

type changeRequest struct {
	Actions    []gatekeeper.RawAction `json:"actions"`
	StateNonce uint64                 `json:"stateNonce"`
}

type boostRequest struct {
	Actions          []gatekeeper.RawAction `json:"actions"`
	StateNonce       uint64                 `json:"stateNonce"`
	SignerPermsLevel permissions.PermsLevel `json:"signerPermsLevel"`
	Signature        hexutil.Bytes          `json:"signature"`
}

type bypassRequest struct {
	Call       gatekeeper.BypassCall `json:"call"`
	StateNonce uint64                `json:"stateNonce"`
}

type freezeRequest struct {
	Level           uint8 `json:"level"`
	DurationSeconds int64 `json:"durationSeconds"`
}

type idResponse struct {
	ID common.Hash `json:"id"`
}

type rejection struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type signedHandler func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error)

// EnableOperations routes the signed write endpoints to op.
func (s *Server) EnableOperations(op Operator) {
	r := s.router.PathPrefix("/vault").Methods("POST").Subrouter()

	r.HandleFunc("/changes", s.signed(func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var req changeRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		actions, err := decodeActions(req.Actions)
		if err != nil {
			return nil, err
		}
		id, err := op.ChangeConfiguration(ctx, caller, actions, req.StateNonce)
		return idResponse{ID: id}, err
	}))
	r.HandleFunc("/changes/boost", s.signed(func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var req boostRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		actions, err := decodeActions(req.Actions)
		if err != nil {
			return nil, err
		}
		id, err := op.BoostedConfigChange(ctx, caller, actions, req.StateNonce, req.SignerPermsLevel, req.Signature)
		return idResponse{ID: id}, err
	}))
	for _, action := range []string{"approve", "apply", "cancel"} {
		r.HandleFunc("/changes/"+action, s.signed(changeRefHandler(op, action)))
	}

	r.HandleFunc("/bypass", s.signed(func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var req bypassRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		id, err := op.ScheduleBypassCall(ctx, caller, req.Call, req.StateNonce)
		return idResponse{ID: id}, err
	}))
	r.HandleFunc("/bypass/execute", s.signed(func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var req bypassRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, op.ExecuteBypassCall(ctx, caller, req.Call)
	}))
	for _, action := range []string{"approve", "apply", "cancel"} {
		r.HandleFunc("/bypass/"+action, s.signed(bypassRefHandler(op, action)))
	}

	r.HandleFunc("/freeze", s.signed(func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var req freezeRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		return nil, op.Freeze(ctx, caller, permissions.Level(req.Level), time.Duration(req.DurationSeconds)*time.Second)
	}))
}

func changeRefHandler(op Operator, action string) signedHandler {
	return func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var ref gatekeeper.ChangeRef
		if err := decodePayload(payload, &ref); err != nil {
			return nil, err
		}
		switch action {
		case "approve":
			return nil, op.ApproveConfig(ctx, caller, ref)
		case "apply":
			return nil, op.ApplyConfig(ctx, caller, ref)
		default:
			return nil, op.CancelOperation(ctx, caller, ref)
		}
	}
}

func bypassRefHandler(op Operator, action string) signedHandler {
	return func(ctx context.Context, caller participant.Participant, payload json.RawMessage) (any, error) {
		var ref gatekeeper.BypassRef
		if err := decodePayload(payload, &ref); err != nil {
			return nil, err
		}
		switch action {
		case "approve":
			return nil, op.ApproveBypassCall(ctx, caller, ref)
		case "apply":
			return nil, op.ApplyBypassCall(ctx, caller, ref)
		default:
			return nil, op.CancelBypassCall(ctx, caller, ref)
		}
	}
}

func (s *Server) signed(handle signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SignedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, rejection{Error: "invalid request"})
			return
		}
		caller, err := s.authenticate(r.URL.Path, req)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, rejection{Error: err.Error()})
			return
		}

		out, err := handle(r.Context(), caller, req.Payload)
		switch kind := gatekeeper.KindOf(err); {
		case err == nil:
			if out == nil {
				out = map[string]string{"status": "ok"}
			}
			writeJSON(w, http.StatusOK, out)
		case errors.Is(err, errBadPayload):
			writeJSON(w, http.StatusBadRequest, rejection{Error: err.Error()})
		case kind == gatekeeper.KindAuthorization:
			writeJSON(w, http.StatusForbidden, rejection{Error: err.Error(), Kind: kind.String()})
		case kind != 0:
			writeJSON(w, http.StatusConflict, rejection{Error: err.Error(), Kind: kind.String()})
		default:
			s.log.Error().Err(err).Str("path", r.URL.Path).Str("caller", caller.Address.Hex()).Msg("operation failed")
			writeJSON(w, http.StatusInternalServerError, rejection{Error: "operation failed"})
		}
	}
}

// authenticate recovers the signer of req. Membership and permissions are
// left to the engine.
func (s *Server) authenticate(path string, req SignedRequest) (participant.Participant, error) {
	now := s.clock()
	deadline := time.Unix(req.Deadline, 0)
	if now.After(deadline) {
		return participant.Participant{}, fmt.Errorf("request expired")
	}
	if deadline.Sub(now) > MaxRequestWindow {
		return participant.Participant{}, fmt.Errorf("request deadline too far ahead")
	}
	addr, err := gatekeeper.RecoverSigner(RequestHash(path, req.Deadline, req.Payload), req.Signature)
	if err != nil {
		return participant.Participant{}, fmt.Errorf("invalid signature: %v", err)
	}
	return participant.Participant{Address: addr, PermsLevel: req.PermsLevel}, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func decodeActions(raw []gatekeeper.RawAction) ([]gatekeeper.Action, error) {
	actions, err := gatekeeper.DecodeActions(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return actions, nil
}
