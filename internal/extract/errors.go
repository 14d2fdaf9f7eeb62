package extract

import "fmt"

type EncryptedReason string

const (
	ReasonCredentialRequired EncryptedReason = "credential-required"
	ReasonWrongCredential    EncryptedReason = "wrong-credential"
)

// EncryptedDocumentError is recoverable: the caller can ask for a credential
// and try again.
type EncryptedDocumentError struct {
	Reason EncryptedReason
}

func (e *EncryptedDocumentError) Error() string {
	if e.Reason == ReasonWrongCredential {
		return "the PDF password is incorrect; please try again"
	}
	return "this PDF is encrypted; supply the password and try again"
}

// CorruptDocumentError is fatal for the run.
type CorruptDocumentError struct {
	Err error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("unable to read the PDF; it may be corrupted: %v", e.Err)
}

func (e *CorruptDocumentError) Unwrap() error {
	return e.Err
}
