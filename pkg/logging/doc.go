// Package logging provides structured logging configuration for wsserver.
//
// It wraps log/slog so every component logs the same way: a level, a text or
// JSON handler, and an optional second destination such as a log file.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("server started", "port", 8080)
//	logger.Warn("send queue full", "conn_id", id)
//
// # Integration
//
// Components accept a *slog.Logger through an option. When none is given
// they use logging.Nop().
package logging
