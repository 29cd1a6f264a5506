package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/observability/metrics"
	"PromptProof-Chain/internal/proofs"
	"PromptProof-Chain/internal/provenance"
	"PromptProof-Chain/pkg/logger"
)

const (
	proofsPrefix   = "/api/v1/proofs/"
	receiptsPrefix = "/api/v1/receipts/"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	service      *provenance.Service
	metrics      *metrics.Recorder
	logger       *slog.Logger
	maxBodyBytes int64
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 为每个路由记录请求指标。
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = rec
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxBodyBytes 限制请求体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *provenance.Service, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		service:      svc,
		maxBodyBytes: 4 << 20,
		readTimeout:  15 * time.Second,
		writeTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回注册了全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/proofs", metrics.Middleware(s.metrics, "commit", http.HandlerFunc(s.handleCommit)))
	mux.Handle(proofsPrefix, metrics.Middleware(s.metrics, "record", http.HandlerFunc(s.handleRecord)))
	mux.Handle(receiptsPrefix, metrics.Middleware(s.metrics, "receipt", http.HandlerFunc(s.handleReceipt)))
	mux.Handle("/api/v1/verify", metrics.Middleware(s.metrics, "verify", http.HandlerFunc(s.handleVerify)))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type commitRequest struct {
	Prompt              string          `json:"prompt"`
	Output              string          `json:"output"`
	Metadata            proofs.Metadata `json:"metadata,omitempty"`
	Ledger              string          `json:"ledger,omitempty"`
	WaitForConfirmation *bool           `json:"wait_for_confirmation,omitempty"`
}

type commitResponse struct {
	ReceiptID     string              `json:"receipt_id,omitempty"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Ledger        string              `json:"ledger"`
	Status        ledger.CommitStatus `json:"status"`
	RecordDigest  string              `json:"record_digest"`
	PromptDigest  string              `json:"prompt_digest"`
	OutputDigest  string              `json:"output_digest"`
	Attempts      int                 `json:"attempts"`
	SubmittedAt   time.Time           `json:"submitted_at"`
	ConfirmedAt   *time.Time          `json:"confirmed_at,omitempty"`
	Record        json.RawMessage     `json:"record"`
	Error         *errorBody          `json:"error,omitempty"`
}

type verifyRequest struct {
	TransactionID string `json:"transaction_id"`
	Prompt        string `json:"prompt"`
	Output        string `json:"output"`
	Ledger        string `json:"ledger,omitempty"`
}

type recordResponse struct {
	TransactionID string          `json:"transaction_id"`
	Ledger        string          `json:"ledger,omitempty"`
	RecordDigest  string          `json:"record_digest"`
	Record        json.RawMessage `json:"record"`
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleCommit 处理 POST /api/v1/proofs。
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req commitRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.service.Commit(r.Context(), provenance.CommitRequest{
		Prompt:   req.Prompt,
		Output:   req.Output,
		Metadata: req.Metadata,
		Ledger:   req.Ledger,
		Wait:     req.WaitForConfirmation,
	})
	if err != nil && result.Record == nil {
		s.writeError(w, err)
		return
	}

	receipt := result.Receipt
	resp := commitResponse{
		ReceiptID:     result.ReceiptID,
		TransactionID: receipt.TransactionID,
		Ledger:        receipt.Ledger,
		Status:        receipt.Status,
		RecordDigest:  receipt.RecordDigest,
		PromptDigest:  result.Record.PromptDigest().Hex(),
		OutputDigest:  result.Record.OutputDigest().Hex(),
		Attempts:      receipt.Attempts,
		SubmittedAt:   receipt.SubmittedAt,
		ConfirmedAt:   receipt.ConfirmedAt,
		Record:        json.RawMessage(result.Record.Canonical()),
	}
	status := http.StatusCreated
	if receipt.Status != ledger.StatusConfirmed {
		status = http.StatusAccepted
	}
	if err != nil {
		resp.Error = toErrorBody(err)
	}
	writeJSON(w, status, resp)
}

// handleRecord 处理 GET /api/v1/proofs/{id}，可选 ledger 查询参数。
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, proofsPrefix))
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少交易 ID", http.StatusBadRequest)
		return
	}
	ledgerName := r.URL.Query().Get("ledger")
	record, err := s.service.Record(r.Context(), ledgerName, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{
		TransactionID: id,
		Ledger:        ledgerName,
		RecordDigest:  record.Digest().Hex(),
		Record:        json.RawMessage(record.Canonical()),
	})
}

// handleReceipt 处理 GET /api/v1/receipts/{id}，id 可以是回执 ID 或交易 ID。
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, receiptsPrefix))
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少回执 ID", http.StatusBadRequest)
		return
	}
	receipt, err := s.service.Receipt(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleVerify 处理 POST /api/v1/verify。所有判定结果（包括记录不存在与记录损坏）均返回 200。
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.service.Verify(r.Context(), provenance.VerifyRequest{
		TransactionID: req.TransactionID,
		Prompt:        req.Prompt,
		Output:        req.Output,
		Ledger:        req.Ledger,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "ok",
		"default_ledger": s.service.Ledgers().DefaultName(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "请求体过大", http.StatusRequestEntityTooLarge)
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Code: xerrors.CodeInvalidInput, Message: "请求体解析失败: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForCode(xerrors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, toErrorBody(err))
}

func toErrorBody(err error) *errorBody {
	body := &errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	return body
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidInput, xerrors.CodeEncoding, xerrors.CodeDuplicateMetadataKey:
		return http.StatusBadRequest
	case xerrors.CodeRecordNotFound:
		return http.StatusNotFound
	case xerrors.CodeMalformedRecord:
		return http.StatusUnprocessableEntity
	case xerrors.CodeNetworkTransient, xerrors.CodeNetworkFatal:
		return http.StatusBadGateway
	case xerrors.CodeIndeterminate:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// record 字段是规范字节，必须原样输出才能与 record_digest 对应。
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
