package gallery

import "errors"

// Fehlerarten der Gallery. Aufrufer prüfen mit errors.Is, die Fehler selbst
// werden mit fmt.Errorf("...: %w") um Kontext ergänzt.
var (
	// ErrNotFound: Identität oder Datei existiert nicht
	ErrNotFound = errors.New("not found")
	// ErrExists: Ziel einer Umbenennung existiert bereits
	ErrExists = errors.New("already exists")
	// ErrInvalidIdentity: Schlüssel ist kein gültiger Dateiname
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrIOFailure: Lese- oder Schreibfehler, vorheriger Zustand bleibt erhalten
	ErrIOFailure = errors.New("i/o failure")
	// ErrDecodeFailure: Bild konnte nicht dekodiert werden
	ErrDecodeFailure = errors.New("decode failure")
	// ErrDeviceUnavailable: Kamera konnte nicht geöffnet werden
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrModelInconsistency: Modell-Artefakt ist beschädigt oder passt nicht zum Adapter
	ErrModelInconsistency = errors.New("model inconsistency")
)
