package terminal

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// csiKeys are keys encoded as CSI final bytes, modifier-aware.
var csiKeys = map[string]byte{
	"Up":    'A',
	"Down":  'B',
	"Right": 'C',
	"Left":  'D',
	"Home":  'H',
	"End":   'F',
}

// tildeKeys are keys encoded as CSI <n> ~ sequences.
var tildeKeys = map[string]int{
	"Insert":   2,
	"Delete":   3,
	"PageUp":   5,
	"PageDown": 6,
}

// EncodeKey translates a structured key event into the terminal byte
// sequence an xterm-compatible application expects.
func EncodeKey(key api.TerminalKey) ([]byte, error) {
	if key.Key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrUnknownKey)
	}

	if final, ok := csiKeys[key.Key]; ok {
		if mod := xtermModifier(key); mod > 1 {
			return []byte(fmt.Sprintf("\x1b[1;%d%c", mod, final)), nil
		}
		return []byte{0x1b, '[', final}, nil
	}

	if n, ok := tildeKeys[key.Key]; ok {
		if mod := xtermModifier(key); mod > 1 {
			return []byte(fmt.Sprintf("\x1b[%d;%d~", n, mod)), nil
		}
		return []byte(fmt.Sprintf("\x1b[%d~", n)), nil
	}

	switch key.Key {
	case "Enter":
		return prefixAlt(key, []byte{'\r'}), nil
	case "Tab":
		if key.Shift {
			return []byte("\x1b[Z"), nil
		}
		return prefixAlt(key, []byte{'\t'}), nil
	case "Backspace":
		return prefixAlt(key, []byte{0x7f}), nil
	case "Escape":
		return []byte{0x1b}, nil
	case "Space":
		if key.Ctrl {
			return []byte{0x00}, nil
		}
		return prefixAlt(key, []byte{' '}), nil
	}

	// Single printable rune, possibly chorded.
	runes := []rune(key.Key)
	if len(runes) != 1 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key.Key)
	}
	r := runes[0]

	if key.Ctrl {
		upper := unicode.ToUpper(r)
		if upper >= 'A' && upper <= 'Z' {
			return prefixAlt(key, []byte{byte(upper) & 0x1f}), nil
		}
		// Common non-letter control chords.
		switch r {
		case '[':
			return []byte{0x1b}, nil
		case '\\':
			return []byte{0x1c}, nil
		case ']':
			return []byte{0x1d}, nil
		}
		return nil, fmt.Errorf("%w: ctrl+%q", ErrUnknownKey, key.Key)
	}

	text := string(r)
	if key.Shift {
		text = strings.ToUpper(text)
	}
	return prefixAlt(key, []byte(text)), nil
}

// prefixAlt applies the ESC prefix for alt/meta chords.
func prefixAlt(key api.TerminalKey, seq []byte) []byte {
	if key.Alt || key.Meta {
		return append([]byte{0x1b}, seq...)
	}
	return seq
}

// xtermModifier computes the CSI modifier parameter:
// 1 + shift(1) + alt(2) + ctrl(4).
func xtermModifier(key api.TerminalKey) int {
	mod := 1
	if key.Shift {
		mod++
	}
	if key.Alt || key.Meta {
		mod += 2
	}
	if key.Ctrl {
		mod += 4
	}
	return mod
}
