// Package controlapi implements the control surface spec.md §6
// describes: REGISTER/UNREGISTER/CONFIG_THREAD on a separate channel
// from the agent protocol and the block-device data path, plus the
// health/ready/live/version endpoints SPEC_FULL's supplemented
// features add.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/agent"
	"github.com/openisr/nexus/internal/cache"
	"github.com/openisr/nexus/internal/chunkstore"
	"github.com/openisr/nexus/internal/config"
	"github.com/openisr/nexus/internal/device"
	"github.com/openisr/nexus/internal/metrics"
	"github.com/openisr/nexus/internal/telemetry"
)

// InterfaceVersion is the monotonically-incrementing control-channel
// version spec.md §6 requires callers be able to query.
const InterfaceVersion uint32 = 1

// supportedCrypto is the engine's single supported cipher; REGISTER's
// crypto field is accepted for protocol compatibility with spec.md §6
// but validated against this closed set of one, since internal/
// transform hard-codes AES-CBC (spec.md §9's "closed, not open"
// dispatch-over-algorithm design note applies to cipher choice too).
const supportedCrypto = "aes-cbc"

// Handler serves the control-channel HTTP API.
type Handler struct {
	registry   *device.Registry
	backend    config.BackendConfig
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	keys       agent.KeyManager // optional; checked by /ready, also wired into every REGISTERed device's MetaCache mirror
	metaCache  *cache.MetaCache // optional; nil disables the warm-restart mirror for REGISTERed devices
	authSecret string
	blockMajor uint32
	minorsPer  uint32
}

// NewHandler constructs a control-channel Handler. backend configures
// the backing chunk store every REGISTER dials against; authSecret
// authenticates every /v1 control request per auth.go (empty disables authentication,
// intended for local/dev use only). keys, if non-nil, gates /ready on
// the configured key custodian being reachable; the engine itself
// never calls WrapKey/UnwrapKey over the agent wire protocol — spec.md
// §6's agent-channel message carries the convergent key as fixed-width
// raw bytes with no room for a wrapped envelope, so wrapping for that
// protocol is the external agent's responsibility. keys is also handed
// to every REGISTERed device alongside metaCache, so the warm-restart
// mirror's own wrap/unwrap (a different, envelope-shaped surface) is
// available for devices registered over HTTP, not just ones named in
// the startup config file.
func NewHandler(registry *device.Registry, backend config.BackendConfig, logger *logrus.Logger, mx *metrics.Metrics, keys agent.KeyManager, metaCache *cache.MetaCache, authSecret string, blockMajor, minorsPerDevice uint32) *Handler {
	return &Handler{
		registry:   registry,
		backend:    backend,
		logger:     logger,
		metrics:    mx,
		keys:       keys,
		metaCache:  metaCache,
		authSecret: authSecret,
		blockMajor: blockMajor,
		minorsPer:  minorsPerDevice,
	}
}

// Router builds the mux.Router serving this Handler's routes, wrapped
// in the telemetry request-logging/panic-recovery middleware.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")
	r.HandleFunc("/version", h.handleVersion).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}

	ctl := r.PathPrefix("/v1").Subrouter()
	ctl.Use(h.authMiddleware)
	ctl.HandleFunc("/devices", h.handleRegister).Methods("POST")
	ctl.HandleFunc("/devices/{ident}", h.handleUnregister).Methods("DELETE")
	ctl.HandleFunc("/devices/{ident}/threads", h.handleConfigThread).Methods("POST")

	handler := telemetry.RecoveryMiddleware(h.logger)(r)
	handler = telemetry.LoggingMiddleware(h.logger, h.metrics)(handler)
	return handler
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := validateSignature(r, h.authSecret); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.HealthHandler()(w, r)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	var check func(context.Context) error
	if h.keys != nil {
		check = h.keys.HealthCheck
	}
	metrics.ReadinessHandler(check)(w, r)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	metrics.LivenessHandler()(w, r)
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interface_version": InterfaceVersion,
		"devices_online":    h.registry.Len(),
	})
}

// registerRequest mirrors spec.md §6's REGISTER payload.
type registerRequest struct {
	Ident                   string   `json:"ident"`
	ChunkDevicePath         string   `json:"chunk_device_path"`
	Chunksize               int      `json:"chunksize"`
	Cachesize               int      `json:"cachesize"`
	Chunks                  uint64   `json:"chunks"`
	Offset                  uint64   `json:"offset"`
	Crypto                  string   `json:"crypto"`
	DefaultCompression      string   `json:"default_compression"`
	SupportedCompression    []string `json:"supported_compression_mask"`
}

// registerResponse mirrors spec.md §6's REGISTER reply.
type registerResponse struct {
	BlockMajor uint32 `json:"block_major"`
	NumMinors  uint32 `json:"num_minors"`
	Index      uint32 `json:"index"`
	Chunks     uint64 `json:"chunks"`
	HashLen    uint32 `json:"hash_len"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Crypto != "" && req.Crypto != supportedCrypto {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported crypto %q", req.Crypto))
		return
	}

	dc := config.DeviceConfig{
		Ident:              req.Ident,
		ChunkDevicePath:    req.ChunkDevicePath,
		Chunksize:          req.Chunksize,
		Cachesize:          req.Cachesize,
		Chunks:             req.Chunks,
		Offset:             req.Offset,
		DefaultCompression: req.DefaultCompression,
		AllowedCompression: req.SupportedCompression,
	}
	defaultComp, mask, err := dc.CompressionMask()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	store, err := chunkstore.NewClient(ctx, chunkstore.Config{
		Provider:  h.backend.Provider,
		Endpoint:  h.backend.Endpoint,
		Region:    h.backend.Region,
		Bucket:    h.backend.Bucket,
		KeyPrefix: h.backend.KeyPrefix,
		AccessKey: h.backend.AccessKey,
		SecretKey: h.backend.SecretKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("dial backing store: %v", err))
		return
	}

	cfg := device.Config{
		Ident:              req.Ident,
		ChunkDevicePath:    req.ChunkDevicePath,
		Chunksize:          req.Chunksize,
		Cachesize:          req.Cachesize,
		Chunks:             req.Chunks,
		Offset:             req.Offset,
		DefaultCompression: defaultComp,
		SupportedCompMask:  mask,
		Metrics:            h.metrics,
		MetaCache:          h.metaCache,
		Keys:               h.keys,
	}

	_, handle, err := h.registry.Register(cfg, store, h.logger, h.blockMajor, h.minorsPer)
	if err != nil {
		status := http.StatusInternalServerError
		if err == device.ErrAlreadyRegistered {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		BlockMajor: handle.BlockMajor,
		NumMinors:  handle.NumMinors,
		Index:      handle.Index,
		Chunks:     handle.Chunks,
		HashLen:    handle.HashLen,
	})
}

func (h *Handler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	ident := mux.Vars(r)["ident"]
	dev, err := h.registry.Lookup(ident)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	dev.StartShutdown(ctx)
	dev.ReleaseHard()

	if err := h.registry.Unregister(ident); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConfigThread answers spec.md §6's CONFIG_THREAD operation,
// whose original purpose — binding a kernel worker thread into the
// driver's crypto/compression pool — has no analogue here: fanout
// dispatches each sub-I/O onto its own goroutine on demand rather than
// pulling from a pool callers must register into. This endpoint is
// kept as a protocol-compatible handshake: it authenticates the caller,
// confirms the ident is registered and echoes the ident and interface
// version, but binds nothing.
func (h *Handler) handleConfigThread(w http.ResponseWriter, r *http.Request) {
	ident := mux.Vars(r)["ident"]
	if _, err := h.registry.Lookup(ident); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ident":             ident,
		"interface_version": InterfaceVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
