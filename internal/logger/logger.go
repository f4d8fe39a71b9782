package logger

// Logger is the minimal logging surface shared by pipeline packages.
// zap.SugaredLogger satisfies it.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}
