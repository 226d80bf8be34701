package indexer

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/btcsuite/btcd/txscript"
)

// PushForm selects how EncodeAnnouncement pushes the address after OP_RETURN.
type PushForm uint8

const (
	// PushDirect uses the single-byte length opcodes 0x01-0x4b.
	PushDirect PushForm = iota
	PushData1
	PushData2
)

func (f PushForm) String() string {
	switch f {
	case PushDirect:
		return "direct"
	case PushData1:
		return "pushdata1"
	case PushData2:
		return "pushdata2"
	default:
		return "unknown"
	}
}

const onionSuffix = ".onion"

// ExtractAnnouncement returns the address pushed right after OP_RETURN in script.
// Bytes after the push are ignored. It never panics, whatever the input.
func ExtractAnnouncement(script []byte) (string, bool) {
	if len(script) < 2 || script[0] != txscript.OP_RETURN {
		return "", false
	}

	var start, n int

	switch op := script[1]; {
	case op >= txscript.OP_DATA_1 && op <= txscript.OP_DATA_75:
		start, n = 2, int(op)
	case op == txscript.OP_PUSHDATA1:
		if len(script) < 3 {
			return "", false
		}

		start, n = 3, int(script[2])
	case op == txscript.OP_PUSHDATA2:
		if len(script) < 4 {
			return "", false
		}

		start, n = 4, int(binary.LittleEndian.Uint16(script[2:4]))
	default:
		return "", false
	}

	if len(script) < start+n {
		return "", false
	}

	data := script[start : start+n]
	if !utf8.Valid(data) {
		return "", false
	}

	address := string(data)
	if ValidateAddress(address, false) != nil {
		return "", false
	}

	return address, true
}

// ValidateAddress checks the host:port form of an announced address. The host may not
// contain a colon, and must end in .onion when requireOnion is set.
func ValidateAddress(address string, requireOnion bool) error {
	host, port, ok := strings.Cut(address, ":")
	if !ok || strings.Contains(port, ":") {
		return errors.NewInvalidArgumentError("address %q is not host:port", address)
	}

	if host == "" {
		return errors.NewInvalidArgumentError("address %q has an empty host", address)
	}

	if requireOnion && !strings.HasSuffix(host, onionSuffix) {
		return errors.NewInvalidArgumentError("address %q is not a %s address", address, onionSuffix)
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return errors.NewInvalidArgumentError("address %q has an invalid port", address)
	}

	return nil
}

// EncodeAnnouncement builds the OP_RETURN script announcing address with the given push form.
func EncodeAnnouncement(address string, form PushForm) ([]byte, error) {
	if err := ValidateAddress(address, false); err != nil {
		return nil, err
	}

	data := []byte(address)
	n := len(data)

	script := make([]byte, 0, n+4)
	script = append(script, txscript.OP_RETURN)

	switch form {
	case PushDirect:
		if n > txscript.OP_DATA_75 {
			return nil, errors.NewInvalidArgumentError("address of %d bytes is too long for a direct push", n)
		}

		script = append(script, byte(n))
	case PushData1:
		if n > math.MaxUint8 {
			return nil, errors.NewInvalidArgumentError("address of %d bytes is too long for OP_PUSHDATA1", n)
		}

		script = append(script, txscript.OP_PUSHDATA1, byte(n))
	case PushData2:
		if n > math.MaxUint16 {
			return nil, errors.NewInvalidArgumentError("address of %d bytes is too long for OP_PUSHDATA2", n)
		}

		script = append(script, txscript.OP_PUSHDATA2, 0, 0)
		binary.LittleEndian.PutUint16(script[2:4], uint16(n))
	default:
		return nil, errors.NewInvalidArgumentError("unknown push form %d", form)
	}

	return append(script, data...), nil
}
