package wsencrypt

import (
	"encoding/json"
	"errors"
	"strings"
)

// LegacyCommandPrefix opens the synthetic command that carries the handshake
// on protocol versions below 1.0.
const LegacyCommandPrefix = "enableencryption "

var ErrBadLegacyCommand = errors.New("malformed enableencryption command")

// IsLegacyCommand reports whether a command line carries the legacy handshake.
func IsLegacyCommand(line string) bool {
	return strings.HasPrefix(line, LegacyCommandPrefix)
}

// BuildLegacyCommand renders the handshake command line:
// enableencryption <pubkey-json-string> <salt-json-string> [<mode>].
func BuildLegacyCommand(publicKey, saltB64 string, mode Mode) string {
	pk, _ := json.Marshal(publicKey)
	sb, _ := json.Marshal(saltB64)
	line := LegacyCommandPrefix + string(pk) + " " + string(sb)
	if mode != "" {
		line += " " + string(mode)
	}
	return line
}

// ParseLegacyCommand extracts the handshake arguments from a command line.
// ok is false when the line is not an enableencryption command at all. A
// missing mode argument defaults to cfb8.
func ParseLegacyCommand(line string) (publicKey, saltB64 string, mode Mode, ok bool, err error) {
	rest, ok := strings.CutPrefix(line, LegacyCommandPrefix)
	if !ok {
		return "", "", "", false, nil
	}
	// Arguments are base64/mode tokens and never contain spaces.
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "", "", "", true, ErrBadLegacyCommand
	}
	publicKey, err = unquoteArg(fields[0])
	if err != nil {
		return "", "", "", true, err
	}
	saltB64, err = unquoteArg(fields[1])
	if err != nil {
		return "", "", "", true, err
	}
	modeArg := ""
	if len(fields) >= 3 {
		modeArg, err = unquoteArg(fields[2])
		if err != nil {
			return "", "", "", true, err
		}
	}
	mode, err = ParseMode(modeArg)
	if err != nil {
		return "", "", "", true, err
	}
	return publicKey, saltB64, mode, true, nil
}

// unquoteArg accepts both JSON-quoted and bare tokens; implementations in the
// wild emit either form.
func unquoteArg(tok string) (string, error) {
	if !strings.HasPrefix(tok, `"`) {
		return tok, nil
	}
	var s string
	if err := json.Unmarshal([]byte(tok), &s); err != nil {
		return "", ErrBadLegacyCommand
	}
	return s, nil
}
