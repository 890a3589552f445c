// Package api is the watchtower's HTTP surface: upstream-node webhook
// routes, the operator REST surface, the producer co-signing endpoints,
// and the embedded status UI. Handlers validate shape, delegate to the
// watchtower or signer service, and map errors to status codes.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/stackflow-net/watchtower/go/events"
	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/signer"
	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stackflow-net/watchtower/go/store"
	"github.com/stackflow-net/watchtower/go/watchtower"
)

//go:embed app
var appAssets embed.FS

// maxBodyBytes bounds webhook and REST request bodies.
const maxBodyBytes = 16 << 20

// Server bundles the delegates of the HTTP surface.
type Server struct {
	Parser           *events.Parser
	Tower            *watchtower.Tower
	Signer           *signer.Service
	Store            *store.Store
	WatchedContracts []string
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	var r = mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods("GET")
	r.HandleFunc("/status", s.status).Methods("GET")

	r.HandleFunc("/new_block", s.newBlock).Methods("POST")
	r.HandleFunc("/new_burn_block", s.newBurnBlock).Methods("POST")
	// Chain-node compatibility routes: accepted and ignored.
	for _, route := range []string{"/new_mempool_tx", "/drop_mempool_tx", "/new_microblocks"} {
		r.HandleFunc(route, s.ignored).Methods("POST")
	}

	r.HandleFunc("/signature-states", s.postSignatureState).Methods("POST")
	r.HandleFunc("/signature-states", s.listSignatureStates).Methods("GET")
	r.HandleFunc("/pipes", s.listPipes).Methods("GET")
	r.HandleFunc("/closures", s.listClosures).Methods("GET")
	r.HandleFunc("/dispute-attempts", s.listDisputeAttempts).Methods("GET")

	r.HandleFunc("/producer/transfer", s.producerTransfer).Methods("POST")
	r.HandleFunc("/producer/signature-request", s.producerSignatureRequest).Methods("POST")

	var app, err = fs.Sub(appAssets, "app")
	if err != nil {
		panic(err) // The embedded tree always contains app/.
	}
	r.PathPrefix("/app").Handler(http.StripPrefix("/app", http.FileServer(http.FS(app))))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not-found"})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	var snapshot = s.Store.GetSnapshot()
	writeJSON(w, http.StatusOK, struct {
		Version           int                   `json:"version"`
		UpdatedAt         time.Time             `json:"updatedAt"`
		WatchedContracts  []string              `json:"watchedContracts"`
		WatchedPrincipals []string              `json:"watchedPrincipals"`
		Counters          watchtower.Counters   `json:"counters"`
		Pipes             []pipe.ObservedPipe   `json:"pipes"`
		Closures          []pipe.Closure        `json:"closures"`
		SignatureStates   []pipe.SignatureState `json:"signatureStates"`
		DisputeAttempts   []pipe.DisputeAttempt `json:"disputeAttempts"`
		RecentEvents      []pipe.RecordedEvent  `json:"recentEvents"`
	}{
		Version:           snapshot.Version,
		UpdatedAt:         snapshot.UpdatedAt,
		WatchedContracts:  orEmpty(s.WatchedContracts),
		WatchedPrincipals: orEmpty(s.Tower.WatchedPrincipals()),
		Counters:          s.Tower.Counters(),
		Pipes:             snapshot.ObservedPipes,
		Closures:          snapshot.Closures,
		SignatureStates:   snapshot.SignatureStates,
		DisputeAttempts:   snapshot.DisputeAttempts,
		RecentEvents:      snapshot.RecentEvents,
	})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Server) newBlock(w http.ResponseWriter, r *http.Request) {
	var payload, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, watchtower.BadInputError{Message: "reading request body"})
		return
	}
	block, err := s.Parser.ParseBlock(payload)
	if err != nil {
		writeError(w, r, watchtower.BadInputError{Message: err.Error()})
		return
	}
	observed, err := s.Tower.IngestBlock(r.Context(), block)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"observedEvents": observed,
	})
}

func (s *Server) newBurnBlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BurnBlockHeight uint64 `json:"burn_block_height"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, r, watchtower.BadInputError{Message: "decoding burn block payload: " + err.Error()})
		return
	}
	var result, err = s.Tower.IngestBurnBlock(body.BurnBlockHeight)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"burnBlockHeight": body.BurnBlockHeight,
		"processedPipes":  result.Processed,
		"settledPipes":    result.Settled,
	})
}

func (s *Server) ignored(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxBodyBytes))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"ignored": true,
		"route":   r.URL.Path,
	})
}

// signatureStateRequest is the POST /signature-states body.
type signatureStateRequest struct {
	ContractID       string            `json:"contractId"`
	ForPrincipal     stacks.Principal  `json:"forPrincipal"`
	WithPrincipal    stacks.Principal  `json:"withPrincipal"`
	Token            *stacks.Principal `json:"token"`
	Action           *pipe.Action      `json:"action"`
	Amount           *stacks.Uint      `json:"amount"`
	MyBalance        stacks.Uint       `json:"myBalance"`
	TheirBalance     stacks.Uint       `json:"theirBalance"`
	MySignature      stacks.Signature  `json:"mySignature"`
	TheirSignature   stacks.Signature  `json:"theirSignature"`
	Nonce            stacks.Uint       `json:"nonce"`
	Actor            stacks.Principal  `json:"actor"`
	Secret           pipe.HexBytes     `json:"secret"`
	ValidAfter       *stacks.Uint      `json:"validAfter"`
	BeneficialOnly   bool              `json:"beneficialOnly"`
	SkipVerification bool              `json:"skipVerification"`
}

func (s *Server) postSignatureState(w http.ResponseWriter, r *http.Request) {
	var req signatureStateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, watchtower.BadInputError{Message: "decoding signature state: " + err.Error()})
		return
	}
	if req.Action == nil {
		writeError(w, r, watchtower.BadInputError{Message: "action is required"})
		return
	}
	var result, err = s.Tower.UpsertSignatureState(r.Context(), watchtower.StateInput{
		ContractID:     req.ContractID,
		ForPrincipal:   req.ForPrincipal,
		WithPrincipal:  req.WithPrincipal,
		Token:          req.Token,
		Action:         *req.Action,
		Amount:         req.Amount,
		MyBalance:      req.MyBalance,
		TheirBalance:   req.TheirBalance,
		MySignature:    req.MySignature,
		TheirSignature: req.TheirSignature,
		Nonce:          req.Nonce,
		Actor:          req.Actor,
		Secret:         req.Secret,
		ValidAfter:     req.ValidAfter,
		BeneficialOnly: req.BeneficialOnly,
	}, req.SkipVerification)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsertResult(w, result)
}

// writeUpsertResult renders a store upsert outcome: 200 when stored, 409
// nonce-too-low when the existing nonce is at least as high.
func writeUpsertResult(w http.ResponseWriter, result store.UpsertResult) {
	if !result.Stored {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":         "nonce-too-low",
			"existingNonce": result.State.Nonce.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stored":   true,
		"replaced": result.Replaced,
		"reason":   nil,
		"state":    result.State,
	})
}

func limitParam(r *http.Request) int {
	var limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func (s *Server) listSignatureStates(w http.ResponseWriter, r *http.Request) {
	var states = s.Store.ListSignatureStates()
	if limit := limitParam(r); limit > 0 && limit < len(states) {
		states = states[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signatureStates": states})
}

func (s *Server) listPipes(w http.ResponseWriter, r *http.Request) {
	var pipes = s.Store.ListObservedPipes()
	if raw := r.URL.Query().Get("principal"); raw != "" {
		var principal, err = stacks.ParsePrincipal(raw)
		if err != nil {
			writeError(w, r, watchtower.BadInputError{Message: "principal: " + err.Error()})
			return
		}
		var filtered = make([]pipe.ObservedPipe, 0, len(pipes))
		for _, p := range pipes {
			if p.SideOf(principal) != pipe.SideNone {
				filtered = append(filtered, p)
			}
		}
		pipes = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipes": pipes})
}

func (s *Server) listClosures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"closures": s.Store.ListClosures()})
}

func (s *Server) listDisputeAttempts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"disputeAttempts": s.Store.ListDisputeAttempts(limitParam(r)),
	})
}

func (s *Server) producerTransfer(w http.ResponseWriter, r *http.Request) {
	s.producer(w, r, s.Signer.SignTransfer)
}

func (s *Server) producerSignatureRequest(w http.ResponseWriter, r *http.Request) {
	s.producer(w, r, s.Signer.SignSignatureRequest)
}

func (s *Server) producer(w http.ResponseWriter, r *http.Request,
	sign func(ctx context.Context, req signer.Request) (store.UpsertResult, error)) {

	if s.Signer == nil {
		writeError(w, r, signer.DisabledError{})
		return
	}
	var req signer.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, watchtower.BadInputError{Message: "decoding signing request: " + err.Error()})
		return
	}
	var result, err = sign(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeUpsertResult(w, result)
}
