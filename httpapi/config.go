package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// MaxWindowSize caps the size query parameter; zero means no cap.
	MaxWindowSize int
}
