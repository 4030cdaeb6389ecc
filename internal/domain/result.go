package domain

// Result is the single outcome shape of every coordinator operation:
// either Ok with Data, or Err with a typed failure. TrxHash carries the
// on-chain hash whenever one exists, including after a downstream failure.
type Result[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message"`
	TrxHash string `json:"trx_hash,omitempty"`
	Err     *Error `json:"error,omitempty"`
}

func Ok[T any](data T, message, trxHash string) Result[T] {
	return Result[T]{Data: data, Message: message, TrxHash: trxHash}
}

// Fail converts err into a failed Result, keeping any hash the error knows about.
func Fail[T any](err error) Result[T] {
	e := AsError(err)
	return Result[T]{Message: e.Message, TrxHash: e.TrxHash, Err: e}
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Error returns the failure as an error, or nil on success.
func (r Result[T]) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}
