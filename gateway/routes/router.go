package routes

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soundchain/gateway/middleware"
	"soundchain/native/bridge"
	"soundchain/native/registry"
	"soundchain/native/router"
	"soundchain/native/scid"
)

// ScopeAdmin guards the mutating admin endpoints.
const ScopeAdmin = "router.admin"

// Config wires the HTTP surface to the engines.
type Config struct {
	Engine        *router.Engine
	Registry      *registry.Registry
	Bridge        *bridge.Engine
	Identifiers   *scid.Engine
	Authority     [20]byte
	Authenticator *middleware.Authenticator
	RequestID     func(http.Handler) http.Handler
}

type server struct {
	cfg Config
}

// New builds the HTTP handler: public health, metrics, and read endpoints,
// plus an authenticated admin surface. Admin mutations are performed with the
// configured authority as the caller.
func New(cfg Config) http.Handler {
	s := &server{cfg: cfg}
	r := chi.NewRouter()
	if cfg.RequestID != nil {
		r.Use(cfg.RequestID)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/chains", s.listChains)
		v1.Get("/messages/{id}", s.getMessage)
		v1.Get("/locks/{id}", s.getLock)
		v1.Get("/identifiers/{identifier}", s.getIdentifier)
	})

	r.Route("/admin", func(admin chi.Router) {
		if cfg.Authenticator != nil {
			admin.Use(cfg.Authenticator.Middleware(ScopeAdmin))
		}
		admin.Post("/chains", s.registerChain)
		admin.Post("/chains/{id}/enabled", s.setChainEnabled)
		admin.Post("/fees", s.setFees)
		admin.Post("/pause", s.pause)
		admin.Post("/resume", s.resume)
		admin.Post("/executors", s.addExecutor)
		admin.Delete("/executors/{address}", s.removeExecutor)
	})
	return r
}

type chainPayload struct {
	ChainID   uint64 `json:"chainId"`
	Name      string `json:"name"`
	Connector string `json:"connector"`
	GasAsset  string `json:"gasAsset"`
	GasLimit  uint64 `json:"gasLimit"`
	Enabled   bool   `json:"enabled"`
}

func (s *server) listChains(w http.ResponseWriter, r *http.Request) {
	configs := s.cfg.Registry.List()
	out := make([]chainPayload, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, chainPayload{
			ChainID:   cfg.ChainID,
			Name:      cfg.Name,
			Connector: "0x" + hex.EncodeToString(cfg.Connector[:]),
			GasAsset:  cfg.GasAsset,
			GasLimit:  cfg.GasLimit,
			Enabled:   cfg.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseMessageID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	msg, err := s.cfg.Engine.Message(id)
	if err != nil {
		if errors.Is(err, router.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          hex.EncodeToString(msg.ID[:]),
		"type":        msg.Type.String(),
		"status":      uint8(msg.Status),
		"originChain": msg.OriginChain,
		"targetChain": msg.TargetChain,
		"sender":      "0x" + hex.EncodeToString(msg.Sender[:]),
		"recipient":   "0x" + hex.EncodeToString(msg.Recipient[:]),
		"asset":       msg.Asset,
		"amount":      msg.Amount.String(),
		"createdAt":   msg.CreatedAt,
		"executed":    msg.Executed,
	})
}

func (s *server) getLock(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bridge == nil {
		writeError(w, http.StatusNotFound, errors.New("bridge not enabled"))
		return
	}
	id, ok := parseMessageID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	lock, err := s.cfg.Bridge.Get(id)
	if err != nil {
		if errors.Is(err, bridge.ErrLockNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          hex.EncodeToString(lock.ID[:]),
		"sender":      "0x" + hex.EncodeToString(lock.Sender[:]),
		"recipient":   "0x" + hex.EncodeToString(lock.Recipient[:]),
		"targetChain": lock.TargetChain,
		"asset":       lock.Asset,
		"amount":      lock.Amount.String(),
		"deadline":    lock.Deadline,
		"status":      uint8(lock.Status),
	})
}

func (s *server) getIdentifier(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Identifiers == nil {
		writeError(w, http.StatusNotFound, errors.New("identifier registry not enabled"))
		return
	}
	record, err := s.cfg.Identifiers.Get(chi.URLParam(r, "identifier"))
	if err != nil {
		if errors.Is(err, scid.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier":         record.Identifier,
		"owner":              "0x" + hex.EncodeToString(record.Owner[:]),
		"tokenId":            record.TokenID,
		"metadataHash":       record.MetadataHash,
		"active":             record.Active,
		"crossChainVerified": record.CrossChainVerified,
		"sourceChain":        record.SourceChain,
		"registeredAt":       record.RegisteredAt,
	})
}

func (s *server) registerChain(w http.ResponseWriter, r *http.Request) {
	var payload chainPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	connector, ok := parseAddress(w, payload.Connector)
	if !ok {
		return
	}
	cfg := registry.ChainConfig{
		ChainID:   payload.ChainID,
		Name:      payload.Name,
		Connector: connector,
		GasAsset:  payload.GasAsset,
		GasLimit:  payload.GasLimit,
		Enabled:   payload.Enabled,
	}
	if err := s.cfg.Registry.Register(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"chainId": payload.ChainID})
}

func (s *server) setChainEnabled(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Registry.SetEnabled(chainID, payload.Enabled); err != nil {
		if errors.Is(err, registry.ErrUnknownChain) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chainId": chainID, "enabled": payload.Enabled})
}

func (s *server) setFees(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PlatformFeeBps uint32 `json:"platformFeeBps"`
		Collector      string `json:"collector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	collector, ok := parseAddress(w, payload.Collector)
	if !ok {
		return
	}
	err := s.cfg.Engine.SetFeeConfig(s.cfg.Authority, router.FeeConfig{
		PlatformFeeBps: payload.PlatformFeeBps,
		Collector:      collector,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platformFeeBps": payload.PlatformFeeBps})
}

func (s *server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.Pause(s.cfg.Authority); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.Resume(s.cfg.Authority); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *server) addExecutor(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	executor, ok := parseAddress(w, payload.Address)
	if !ok {
		return
	}
	if err := s.cfg.Engine.AuthorizeExecutor(s.cfg.Authority, executor); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"address": payload.Address})
}

func (s *server) removeExecutor(w http.ResponseWriter, r *http.Request) {
	executor, ok := parseAddress(w, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	if err := s.cfg.Engine.RevokeExecutor(s.cfg.Authority, executor); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseMessageID(w http.ResponseWriter, raw string) ([32]byte, bool) {
	var id [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(decoded) != 32 {
		writeError(w, http.StatusBadRequest, errors.New("id must be 32 hex-encoded bytes"))
		return id, false
	}
	copy(id[:], decoded)
	return id, true
}

func parseAddress(w http.ResponseWriter, raw string) ([20]byte, bool) {
	var addr [20]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(decoded) != 20 {
		writeError(w, http.StatusBadRequest, errors.New("address must be 20 hex-encoded bytes"))
		return addr, false
	}
	copy(addr[:], decoded)
	return addr, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
