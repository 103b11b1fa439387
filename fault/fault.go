// Package fault definiert die Fehlertaxonomie der Pipeline. Jeder Branch
// klassifiziert seine Fehler, damit Retry-Verhalten und Benachrichtigungs-
// Status zentral entschieden werden können.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind ist die Fehlerklasse.
type Kind int

const (
	// KindUnknown ist der Default für unklassifizierte Fehler.
	KindUnknown Kind = iota
	// KindNotFound: die Quelle kennt den Datensatz nicht. Terminal, kein Retry.
	KindNotFound
	// KindTransientNetwork: Verbindungsfehler, Timeout, 5xx. Retry mit Backoff.
	KindTransientNetwork
	// KindMalformedResponse: Antwort nicht parsbar. Terminal, kein Retry.
	KindMalformedResponse
	// KindPermission: Besitzer fehlt oder passt nicht. Terminal.
	KindPermission
	// KindDBContention: Lock-/Serialisierungskonflikt. Retry mit wachsendem Delay.
	KindDBContention
	// KindInsufficientData: nichts Brauchbares zum Suchen oder Anlegen. Terminal.
	KindInsufficientData
)

// String liefert den Namen der Klasse für Logs und Notifications.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindTransientNetwork:
		return "TRANSIENT_NETWORK"
	case KindMalformedResponse:
		return "MALFORMED_RESPONSE"
	case KindPermission:
		return "PERMISSION"
	case KindDBContention:
		return "DB_CONTENTION"
	case KindInsufficientData:
		return "INSUFFICIENT_DATA"
	default:
		return "UNKNOWN"
	}
}

// Error ist ein klassifizierter Fehler mit optionaler Ursache.
type Error struct {
	Kind   Kind
	Source string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New erstellt einen klassifizierten Fehler ohne Ursache.
func New(kind Kind, source, msg string) *Error {
	return &Error{Kind: kind, Source: source, Msg: msg}
}

// Newf erstellt einen klassifizierten Fehler mit Formatstring.
func Newf(kind Kind, source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: source, Msg: fmt.Sprintf(format, args...)}
}

// Wrap klassifiziert einen bestehenden Fehler.
func Wrap(kind Kind, source, msg string, err error) *Error {
	return &Error{Kind: kind, Source: source, Msg: msg, Err: err}
}

// KindOf extrahiert die Klasse eines Fehlers, KindUnknown wenn keine.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Retryable meldet, ob die Klasse einen Retry rechtfertigt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindDBContention:
		return true
	}
	return false
}

// ClassifyDB ordnet typische Datenbankfehler ein. Lock- und
// Serialisierungskonflikte sind transient, alles andere bleibt unklassifiziert.
func ClassifyDB(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "deadlock detected", "could not serialize", "lock timeout"} {
		if strings.Contains(msg, marker) {
			return Wrap(KindDBContention, "db", "datenbank-konflikt", err)
		}
	}
	return err
}
