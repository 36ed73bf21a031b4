// Package logging provides structured logging for the tuyalan library.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the library. Because tuyalan is a library, logging
// is silent unless explicitly enabled: set the TUYALAN_LOG_LEVEL environment
// variable or call Initialize with a level.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (hex dumps, frame parsing, heartbeats)
//   - Info: Normal operations (connections, discoveries, state changes)
//   - Warn: Non-fatal issues (connection drops, retries, lagging listeners)
//   - Error: Fatal issues (handshake failures, registry misuse)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Device connected",
//	    zap.String("device_id", "eb1234567890abcdef"),
//	    zap.String("addr", "192.168.1.100:6668"),
//	    zap.String("version", "3.4"),
//	)
//
// # Configuration
//
// Initialize logging at application startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
