// Package logging sets up the bridge's structured logger on log/slog.
//
// Records are JSON by default ("text" for local runs) and always carry the
// service name and version. Attributes named password, psk, token or secret
// are redacted. The level can be switched at runtime, which is how the
// plugin's debugEnabled preference takes effect.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
package logging
