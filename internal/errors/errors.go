// Package errors 定义引擎统一的错误码及其分类。错误码集合是封闭的，每个码对应一个来源分类、
// 严重程度与是否告警。
package errors

import (
	"errors"
	"fmt"
	"maps"
)

// Code 表示引擎内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 对错误来源进行归类。
type Kind string

const (
	// KindData 表示输入数据不满足要求，例如缺失价格或无法识别的链标识。
	KindData Kind = "data"
	// KindCollaborator 表示外部协作方（存储、托管钱包、跨链报价等）返回失败。
	KindCollaborator Kind = "collaborator"
	// KindContention 表示并发争用，调用方应当跳过而不是报错。
	KindContention Kind = "contention"
	// KindUnimplemented 表示声明了但尚未实现的功能。
	KindUnimplemented Kind = "unimplemented"
	// KindInternal 表示引擎内部状态异常。
	KindInternal Kind = "internal"
)

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeInvalidPipeline      Code = "INVALID_PIPELINE"
	CodeMissingPriceData     Code = "MISSING_PRICE_DATA"
	CodeInvalidConditionType Code = "INVALID_CONDITION_TYPE"
	CodeUnknownChain         Code = "UNKNOWN_CHAIN"
	CodeStorageFailure       Code = "STORAGE_FAILURE"
	CodeFeedFailure          Code = "FEED_FAILURE"
	CodeBridgeQuote          Code = "BRIDGE_QUOTE_FAILED"
	CodeAllowance            Code = "ALLOWANCE_FAILED"
	CodeApprovalSubmission   Code = "APPROVAL_SUBMISSION_FAILED"
	CodeBlockhash            Code = "BLOCKHASH_FAILED"
	CodeTransaction          Code = "TRANSACTION_FAILED"
	CodeNotification         Code = "NOTIFICATION_FAILED"
	CodeInterrupted          Code = "EVALUATION_INTERRUPTED"
	CodeAlreadyProcessing    Code = "ALREADY_PROCESSING"
	CodeNotImplemented       Code = "NOT_IMPLEMENTED"
	CodeInitialization       Code = "INITIALIZATION_FAILURE"
)

// Descriptor 描述一个错误码的默认文案与处理方式。
type Descriptor struct {
	Message  string
	Kind     Kind
	Severity Severity
	Alert    bool
}

var descriptors = map[Code]Descriptor{
	CodeUnknown:              {"unknown error", KindInternal, SeverityCritical, true},
	CodeInvalidArgument:      {"invalid argument", KindData, SeverityInfo, false},
	CodeInvalidPipeline:      {"invalid pipeline", KindData, SeverityWarning, false},
	CodeMissingPriceData:     {"missing price data", KindData, SeverityInfo, false},
	CodeInvalidConditionType: {"invalid condition type", KindData, SeverityWarning, false},
	CodeUnknownChain:         {"unrecognised chain identifier", KindData, SeverityWarning, true},
	CodeStorageFailure:       {"storage failure", KindCollaborator, SeverityCritical, true},
	CodeFeedFailure:          {"price feed failure", KindCollaborator, SeverityCritical, true},
	CodeBridgeQuote:          {"bridge quote failed", KindCollaborator, SeverityWarning, true},
	CodeAllowance:            {"allowance query failed", KindCollaborator, SeverityWarning, true},
	CodeApprovalSubmission:   {"approval submission failed", KindCollaborator, SeverityWarning, true},
	CodeBlockhash:            {"blockhash unavailable", KindCollaborator, SeverityWarning, true},
	CodeTransaction:          {"transaction submission failed", KindCollaborator, SeverityCritical, true},
	CodeNotification:         {"notification delivery failed", KindCollaborator, SeverityWarning, false},
	CodeInterrupted:          {"evaluation interrupted by shutdown", KindInternal, SeverityInfo, false},
	CodeAlreadyProcessing:    {"pipeline already being processed", KindContention, SeverityInfo, false},
	CodeNotImplemented:       {"not implemented", KindUnimplemented, SeverityCritical, true},
	CodeInitialization:       {"component not initialised", KindInternal, SeverityCritical, true},
}

// Describe 返回错误码的描述，未知错误码按 UNKNOWN 处理。
func Describe(code Code) Descriptor {
	if d, ok := descriptors[code]; ok {
		return d
	}
	return descriptors[CodeUnknown]
}

// Error 是引擎内统一的错误类型，携带错误码、可选的底层原因与附加字段。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一个键值，告警事件会原样带上。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// New 创建错误，message 为空时使用错误码的默认文案。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = Describe(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以错误码包裹 cause，cause 仍可通过 errors.Is/As 取得。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return string(CodeUnknown)
	}
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，供 errors.Is 与 HasCode 使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
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

// Message 返回不含原因的错误文案。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加字段的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Kind 返回错误分类。
func (e *Error) Kind() Kind { return Describe(e.Code()).Kind }

// ShouldAlert 判断该错误是否需要发出告警。
func (e *Error) ShouldAlert() bool { return e != nil && Describe(e.code).Alert }

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity { return Describe(e.Code()).Severity }

// From 在错误链中查找统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !errors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中最外层的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// KindOf 返回任意 error 的分类。
func KindOf(err error) Kind {
	return Describe(CodeOf(err)).Kind
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{code: code})
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return err != nil
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	return Describe(CodeOf(err)).Severity
}
