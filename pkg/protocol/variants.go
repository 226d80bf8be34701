package protocol

import (
	"strings"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/fxamacker/cbor/v2"
)

// Variants are externally tagged: a unit variant is its name as a text string, every
// other variant is a single-entry map from its name to a map of its fields.

const (
	cborNull      = 0xf6
	cborUndefined = 0xf7
)

// seenAtLayout is a timezone-less timestamp, always written in UTC.
const seenAtLayout = "2006-01-02T15:04:05.999999999"

type postBody struct {
	Metadata []byte `cbor:"metadata"`
}

type pongBody struct {
	Address string `cbor:"address"`
}

type watchBody struct {
	Outpoint wireOutpoint `cbor:"outpoint"`
}

type addressBody struct {
	Addresses []string `cbor:"addresses"`
}

type mempoolEntry struct {
	TxID   string `cbor:"txid"`
	SeenAt string `cbor:"seen_at"`
}

type watchResponseBody struct {
	MempoolTx      []mempoolEntry `cbor:"mempool_tx"`
	Known          bool           `cbor:"known,omitempty"`
	Confirmed      bool           `cbor:"confirmed,omitempty"`
	Spent          bool           `cbor:"spent,omitempty"`
	SpendConfirmed bool           `cbor:"spend_confirmed,omitempty"`
	SpentBy        string         `cbor:"spent_by,omitempty"`
}

type pingBody struct {
	Address string `cbor:"address"`
	Port    uint16 `cbor:"port"`
}

type messageBody struct {
	Message string `cbor:"message"`
}

// wireOutpoint carries the txid in internal byte order. A "txid:vout" text string is
// accepted on decode as well.
type wireOutpoint struct {
	TxID []byte `cbor:"txid"`
	Vout uint32 `cbor:"vout"`
}

type wireOutpointFields wireOutpoint

func (o *wireOutpoint) UnmarshalCBOR(data []byte) error {
	if isNull(data) {
		return errors.NewMalformedFrameError("missing outpoint")
	}

	var s string
	if err := decMode.Unmarshal(data, &s); err == nil {
		op, err := model.ParseOutpoint(s)
		if err != nil {
			return errors.NewMalformedFrameError("invalid outpoint", err)
		}

		*o = toWireOutpoint(op)

		return nil
	}

	var f wireOutpointFields
	if err := decMode.Unmarshal(data, &f); err != nil {
		return errors.NewMalformedFrameError("invalid outpoint", err)
	}

	if len(f.TxID) != chainhash.HashSize {
		return errors.NewMalformedFrameError("outpoint txid has %d bytes", len(f.TxID))
	}

	*o = wireOutpoint(f)

	return nil
}

func toWireOutpoint(op model.Outpoint) wireOutpoint {
	return wireOutpoint{TxID: op.TxID.CloneBytes(), Vout: op.Vout}
}

func (o wireOutpoint) model() model.Outpoint {
	var op model.Outpoint

	copy(op.TxID[:], o.TxID)
	op.Vout = o.Vout

	return op
}

func tagged(name string, body interface{}) ([]byte, error) {
	return encMode.Marshal(map[string]interface{}{name: body})
}

// untag splits an externally tagged value into its variant name and raw body.
// A unit variant has a nil body.
func untag(data []byte) (string, cbor.RawMessage, error) {
	var name string
	if err := decMode.Unmarshal(data, &name); err == nil {
		return name, nil, nil
	}

	var m map[string]cbor.RawMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return "", nil, errors.NewMalformedFrameError("message is neither a variant name nor a variant map", err)
	}

	if len(m) != 1 {
		return "", nil, errors.NewMalformedFrameError("variant map has %d entries", len(m))
	}

	for k, v := range m {
		return k, v, nil
	}

	return "", nil, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || raw[0] == cborNull || raw[0] == cborUndefined
}

func decodeBody(name string, body cbor.RawMessage, v interface{}) error {
	if isNull(body) {
		return errors.NewMalformedFrameError("variant %s requires fields", name)
	}

	if err := decMode.Unmarshal(body, v); err != nil {
		return errors.NewMalformedFrameError("invalid %s fields", name, err)
	}

	return nil
}

func (r Request) MarshalCBOR() ([]byte, error) {
	switch r.Kind {
	case RequestGet:
		return encMode.Marshal(RequestGet.String())
	case RequestPost:
		return tagged(RequestPost.String(), postBody{Metadata: r.Metadata})
	case RequestPong:
		return tagged(RequestPong.String(), pongBody{Address: r.Address})
	case RequestWatch:
		return tagged(RequestWatch.String(), watchBody{Outpoint: toWireOutpoint(r.Outpoint)})
	default:
		return nil, errors.NewInvalidArgumentError("unknown request kind %d", r.Kind)
	}
}

func (r *Request) UnmarshalCBOR(data []byte) error {
	name, body, err := untag(data)
	if err != nil {
		return err
	}

	switch name {
	case RequestGet.String():
		*r = NewGetRequest()
	case RequestPost.String():
		var b postBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		*r = NewPostRequest(b.Metadata)
	case RequestPong.String():
		var b pongBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		*r = NewPongRequest(b.Address)
	case RequestWatch.String():
		var b watchBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		if len(b.Outpoint.TxID) != chainhash.HashSize {
			return errors.NewMalformedFrameError("watch request without outpoint")
		}

		*r = NewWatchRequest(b.Outpoint.model())
	default:
		return errors.NewMalformedFrameError("unknown request variant %q", name)
	}

	return nil
}

func (r Response) MarshalCBOR() ([]byte, error) {
	switch r.Kind {
	case ResponseAddress:
		addresses := r.Addresses
		if addresses == nil {
			addresses = []string{}
		}

		return tagged(ResponseAddress.String(), addressBody{Addresses: addresses})
	case ResponseWatch:
		b := watchResponseBody{
			MempoolTx:      make([]mempoolEntry, 0, len(r.MempoolTx)),
			Known:          r.Spend.Known,
			Confirmed:      r.Spend.Confirmed,
			Spent:          r.Spend.Spent,
			SpendConfirmed: r.Spend.SpendConfirmed,
		}

		for _, tx := range r.MempoolTx {
			b.MempoolTx = append(b.MempoolTx, mempoolEntry{
				TxID:   tx.TxID.String(),
				SeenAt: tx.FirstSeen.UTC().Format(seenAtLayout),
			})
		}

		if r.Spend.SpentBy != nil {
			b.SpentBy = r.Spend.SpentBy.String()
		}

		return tagged(ResponseWatch.String(), b)
	case ResponsePing:
		return tagged(ResponsePing.String(), pingBody{Address: r.Address, Port: r.Port})
	case ResponseNotImplemented:
		return tagged(ResponseNotImplemented.String(), messageBody{Message: r.Message})
	case ResponseError:
		return tagged(ResponseError.String(), messageBody{Message: r.Message})
	default:
		return nil, errors.NewInvalidArgumentError("unknown response kind %d", r.Kind)
	}
}

func (r *Response) UnmarshalCBOR(data []byte) error {
	name, body, err := untag(data)
	if err != nil {
		return err
	}

	switch name {
	case ResponseAddress.String():
		var b addressBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		if b.Addresses == nil {
			b.Addresses = []string{}
		}

		*r = NewAddressResponse(b.Addresses)
	case ResponseWatch.String():
		var b watchResponseBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		return r.fromWatchBody(&b)
	case ResponsePing.String():
		var b pingBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		*r = NewPingResponse(b.Address, b.Port)
	case ResponseNotImplemented.String(), ResponseError.String():
		var b messageBody
		if err = decodeBody(name, body, &b); err != nil {
			return err
		}

		*r = Response{Kind: ResponseError, Message: b.Message}
		if name == ResponseNotImplemented.String() {
			r.Kind = ResponseNotImplemented
		}
	default:
		return errors.NewMalformedFrameError("unknown response variant %q", name)
	}

	return nil
}

func (r *Response) fromWatchBody(b *watchResponseBody) error {
	resp := Response{
		Kind:      ResponseWatch,
		MempoolTx: make([]model.MempoolTx, 0, len(b.MempoolTx)),
		Spend: SpendInfo{
			Known:          b.Known,
			Confirmed:      b.Confirmed,
			Spent:          b.Spent,
			SpendConfirmed: b.SpendConfirmed,
		},
	}

	for _, e := range b.MempoolTx {
		txid, err := chainhash.NewHashFromStr(e.TxID)
		if err != nil {
			return errors.NewMalformedFrameError("invalid mempool txid %q", e.TxID, err)
		}

		seen, err := parseSeenAt(e.SeenAt)
		if err != nil {
			return errors.NewMalformedFrameError("invalid seen_at %q", e.SeenAt, err)
		}

		resp.MempoolTx = append(resp.MempoolTx, model.MempoolTx{TxID: *txid, FirstSeen: seen})
	}

	if b.SpentBy != "" {
		spentBy, err := chainhash.NewHashFromStr(b.SpentBy)
		if err != nil {
			return errors.NewMalformedFrameError("invalid spent_by %q", b.SpentBy, err)
		}

		resp.Spend.SpentBy = spentBy
	}

	*r = resp

	return nil
}

func parseSeenAt(s string) (time.Time, error) {
	if strings.ContainsAny(s, "Zz+") {
		return time.Parse(time.RFC3339Nano, s)
	}

	return time.ParseInLocation(seenAtLayout, s, time.UTC)
}
