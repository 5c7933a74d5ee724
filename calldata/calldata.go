// Package calldata decodes the textual call-argument lists a profile
// declares into the binary form contract calls carry. Each argument is
// typed by prefix and becomes one TLV record, so callees can split the
// blob back into typed values.
//
//	u64:1234        unsigned integer, decimal or 0x hex
//	hash:0xbeef     content hash
//	addr:0x99       account or contract address
//	sstr:hello      short string, raw bytes
//	0xdeadbeef      untyped hex blob
package calldata

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/chainforge/regmig/remote"
)

var ErrBadArg = errors.New("calldata: malformed argument")

// Record literals of decoded values.
const (
	LitUint   byte = 'U'
	LitHash   byte = 'H'
	LitAddr   byte = 'A'
	LitString byte = 'S'
	LitBlob   byte = 'B'
)

// Decode turns one textual argument list into TLV records, in order. An
// empty list decodes to nil. Any malformed element fails the whole list.
func Decode(args []string) ([][]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(args))
	for i, arg := range args {
		rec, err := decodeOne(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: arg %d %q: %v", ErrBadArg, i, arg, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeOne(arg string) ([]byte, error) {
	switch {
	case strings.HasPrefix(arg, "u64:"):
		v, err := parseUint(arg[len("u64:"):])
		if err != nil {
			return nil, err
		}
		return toytlv.Record(LitUint, u64be(v)), nil

	case strings.HasPrefix(arg, "hash:"):
		h, err := remote.ParseHash(arg[len("hash:"):])
		if err != nil {
			return nil, err
		}
		return toytlv.Record(LitHash, u64be(uint64(h))), nil

	case strings.HasPrefix(arg, "addr:"):
		a, err := remote.ParseAddress(arg[len("addr:"):])
		if err != nil {
			return nil, err
		}
		return toytlv.Record(LitAddr, u64be(uint64(a))), nil

	case strings.HasPrefix(arg, "sstr:"):
		return toytlv.Record(LitString, []byte(arg[len("sstr:"):])), nil

	case strings.HasPrefix(arg, "0x"):
		raw, err := hex.DecodeString(arg[2:])
		if err != nil {
			return nil, err
		}
		return toytlv.Record(LitBlob, raw), nil

	default:
		return nil, errors.New("unknown argument form")
	}
}

func parseUint(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func u64be(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
