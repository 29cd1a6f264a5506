package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Code 表示证明系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeEncoding              Code = "ENCODING_ERROR"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeDuplicateMetadataKey  Code = "DUPLICATE_METADATA_KEY"
	CodeNetworkTransient      Code = "NETWORK_TRANSIENT"
	CodeNetworkFatal          Code = "NETWORK_FATAL"
	CodeRecordNotFound        Code = "RECORD_NOT_FOUND"
	CodeMalformedRecord       Code = "MALFORMED_RECORD"
	CodeIndeterminate         Code = "INDETERMINATE"
	CodeCredentialFailure     Code = "CREDENTIAL_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
)

// 常用的元数据键。
const (
	MetaTransactionID = "transaction_id"
	MetaAttempts      = "attempts"
	MetaLedger        = "ledger"
	MetaEndpoint      = "endpoint"
	MetaField         = "field"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeEncoding: {
			Message:  "input is not valid UTF-8 text",
			Severity: SeverityInfo,
		},
		CodeInvalidInput: {
			Message:  "invalid input",
			Severity: SeverityInfo,
		},
		CodeDuplicateMetadataKey: {
			Message:  "duplicate metadata key",
			Severity: SeverityInfo,
		},
		CodeNetworkTransient: {
			Message:   "transient ledger network failure",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeNetworkFatal: {
			Message:  "ledger network rejected the request",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeRecordNotFound: {
			Message:  "proof record not found",
			Severity: SeverityInfo,
		},
		CodeMalformedRecord: {
			Message:  "stored bytes are not a valid proof record",
			Severity: SeverityWarning,
			Alert:    true,
		},
		CodeIndeterminate: {
			Message:  "commit outcome is indeterminate",
			Severity: SeverityWarning,
			Alert:    true,
		},
		CodeCredentialFailure: {
			Message:  "credential provider failure",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeStorageFailure: {
			Message:   "receipt storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeInitializationFailure: {
			Message:  "component not initialized",
			Severity: SeverityWarning,
			Alert:    true,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTransactionID 记录出错的账本标识。
func WithTransactionID(id string) Option {
	return WithMetadata(MetaTransactionID, id)
}

// WithAttempts 记录已经尝试的次数。
func WithAttempts(attempts int) Option {
	return WithMetadata(MetaAttempts, strconv.Itoa(attempts))
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Annotate 返回携带额外元数据的副本，错误码与原因保持不变。
// 若 err 不是统一错误类型，则按 UNKNOWN 包裹。
func Annotate(err error, opts ...Option) error {
	if err == nil {
		return nil
	}
	src, ok := From(err)
	if !ok {
		return Wrap(CodeUnknown, err, "", opts...)
	}
	clone := *src
	clone.metadata = src.Metadata()
	for _, opt := range opts {
		if opt != nil {
			opt(&clone)
		}
	}
	return &clone
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.metadata[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断 err 链上是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return err != nil && stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// AttemptsOf 读取错误中记录的尝试次数，未记录时返回 0。
func AttemptsOf(err error) int {
	e, ok := From(err)
	if !ok {
		return 0
	}
	n, convErr := strconv.Atoi(e.metadata[MetaAttempts])
	if convErr != nil {
		return 0
	}
	return n
}
