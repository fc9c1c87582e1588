package model

import (
	"errors"
	"fmt"
)

// ErrorKind はパイプラインエラーの分類。
// キューのリトライ判定とログ出力に使用する。
type ErrorKind string

const (
	// ErrKindNotFound はエンキューから処理までの間にエンティティが消えたことを示す。
	// 終端エラー（リトライしない）。
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindValidation はジョブペイロードやURLの不正を示す。終端エラー。
	ErrKindValidation ErrorKind = "validation"
	// ErrKindConfiguration はソース名に対応するハンドラーが未登録であることを示す。
	// 設定の欠陥であり終端エラー。
	ErrKindConfiguration ErrorKind = "configuration"
	// ErrKindTransient はネットワークタイムアウトや外部レート制限など一時的な失敗を示す。
	// 指数バックオフでリトライされる。
	ErrKindTransient ErrorKind = "transient"
	// ErrKindCircuitOpen は連続失敗によるソース遮断を示す。
	// エラーというより意図的なスキップであり、リトライしない。
	ErrKindCircuitOpen ErrorKind = "circuit_open"
)

// PipelineError はリトライ可否フラグ付きのパイプラインエラー。
type PipelineError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap はラップされたエラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewNotFoundError は消失エンティティの終端エラーを生成する。
func NewNotFoundError(message string) *PipelineError {
	return &PipelineError{Kind: ErrKindNotFound, Message: message, Retryable: false}
}

// NewValidationError はペイロード不正の終端エラーを生成する。
func NewValidationError(message string) *PipelineError {
	return &PipelineError{Kind: ErrKindValidation, Message: message, Retryable: false}
}

// NewConfigurationError はハンドラー未登録の終端エラーを生成する。
func NewConfigurationError(message string) *PipelineError {
	return &PipelineError{Kind: ErrKindConfiguration, Message: message, Retryable: false}
}

// NewTransientError はリトライ可能な一時エラーを生成する。
func NewTransientError(message string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindTransient, Message: message, Retryable: true, Err: err}
}

// NewCircuitOpenError はソース遮断スキップを生成する。
func NewCircuitOpenError(sourceID string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindCircuitOpen,
		Message:   fmt.Sprintf("ソースは連続失敗により遮断されています: %s", sourceID),
		Retryable: false,
	}
}

// IsRetryable はエラーがリトライ対象かを判定する。
// PipelineError以外の未分類エラーはリトライ可能として扱う（デフォルトretryable=true）。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
