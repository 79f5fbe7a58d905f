package signing

// Result is the final state of a signing request as stored on its log row.
type Result string

const (
	ResultPending              Result = "pending"
	ResultSuccess              Result = "success"
	ResultSignError            Result = "sign-error"
	ResultNoCertificates       Result = "no-certs"
	ResultAVPositive           Result = "av-positive"
	ResultUnsupportedExtension Result = "unsupported-file-extension"
	ResultInternalError        Result = "internal-error"
	ResultCancelled            Result = "cancelled"
	ResultPINTimeout           Result = "pin-timeout"
)

// Results lists every result value.
var Results = []Result{
	ResultPending, ResultSuccess, ResultSignError, ResultNoCertificates,
	ResultAVPositive, ResultUnsupportedExtension, ResultInternalError,
	ResultCancelled, ResultPINTimeout,
}

// Valid reports whether r is a known result.
func (r Result) Valid() bool {
	for _, v := range Results {
		if r == v {
			return true
		}
	}
	return false
}
