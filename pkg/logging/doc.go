// Package logging provides structured logging configuration for netwatch.
//
// This package wraps log/slog so every netwatch component logs the same way.
// Observations (request URLs and decoded response bodies) flow through the
// same loggers as operational messages, so the output format chosen here is
// also the format of the observation stream.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	logger.Info("URL:", "url", "https://api.example.com/data")
//
// # Integration
//
// Components accept a *slog.Logger in their options. A nil logger means
// logging.Nop().
package logging
