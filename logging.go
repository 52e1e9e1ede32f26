package pgpubsub

import "log/slog"

// orDefault returns logger unless it's nil, in which case it returns
// slog.Default(). Every component that accepts an injected *slog.Logger via
// Options goes through this so a caller never has to construct one just to
// satisfy a zero-value PubSub.
func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
