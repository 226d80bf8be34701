package protocol

import (
	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/fxamacker/cbor/v2"
)

// RequestKind enumerates the messages a client sends to the tracker.
type RequestKind uint8

const (
	RequestGet RequestKind = iota + 1
	RequestPost
	RequestPong
	RequestWatch
)

var requestNames = map[RequestKind]string{
	RequestGet:   "Get",
	RequestPost:  "Post",
	RequestPong:  "Pong",
	RequestWatch: "Watch",
}

func (k RequestKind) String() string {
	if name, ok := requestNames[k]; ok {
		return name
	}

	return "Unknown"
}

// ResponseKind enumerates the messages the tracker sends.
type ResponseKind uint8

const (
	ResponseAddress ResponseKind = iota + 1
	ResponseWatch
	ResponsePing
	ResponseNotImplemented
	ResponseError
)

var responseNames = map[ResponseKind]string{
	ResponseAddress:        "Address",
	ResponseWatch:          "WatchResponse",
	ResponsePing:           "Ping",
	ResponseNotImplemented: "NotImplemented",
	ResponseError:          "Error",
}

func (k ResponseKind) String() string {
	if name, ok := responseNames[k]; ok {
		return name
	}

	return "Unknown"
}

// Request is a client message. Only the fields of its Kind are meaningful.
type Request struct {
	Kind     RequestKind
	Metadata []byte
	Address  string
	Outpoint model.Outpoint
}

func NewGetRequest() Request {
	return Request{Kind: RequestGet}
}

func NewPostRequest(metadata []byte) Request {
	return Request{Kind: RequestPost, Metadata: metadata}
}

func NewPongRequest(address string) Request {
	return Request{Kind: RequestPong, Address: address}
}

func NewWatchRequest(outpoint model.Outpoint) Request {
	return Request{Kind: RequestWatch, Outpoint: outpoint}
}

// SpendInfo extends a watch response with the ledger's view of the outpoint.
type SpendInfo struct {
	Known          bool
	Confirmed      bool
	Spent          bool
	SpendConfirmed bool
	SpentBy        *chainhash.Hash
}

// Response is a tracker message. Only the fields of its Kind are meaningful.
type Response struct {
	Kind      ResponseKind
	Addresses []string
	MempoolTx []model.MempoolTx
	Spend     SpendInfo
	Address   string
	Port      uint16
	Message   string
}

func NewAddressResponse(addresses []string) Response {
	return Response{Kind: ResponseAddress, Addresses: addresses}
}

// NewWatchResponse builds the reply to a Watch request from a directory spend status.
func NewWatchResponse(status *model.SpendStatus) Response {
	resp := Response{Kind: ResponseWatch, MempoolTx: []model.MempoolTx{}}
	if status == nil {
		return resp
	}

	resp.MempoolTx = append(resp.MempoolTx, status.MempoolSpends...)
	resp.Spend = SpendInfo{
		Known:          status.Known,
		Confirmed:      status.Confirmed,
		Spent:          status.Spent,
		SpendConfirmed: status.SpendConfirmed,
		SpentBy:        status.SpentBy,
	}

	return resp
}

func NewPingResponse(address string, port uint16) Response {
	return Response{Kind: ResponsePing, Address: address, Port: port}
}

func NewNotImplementedResponse(kind RequestKind) Response {
	return Response{Kind: ResponseNotImplemented, Message: kind.String()}
}

func NewErrorResponse(message string) Response {
	return Response{Kind: ResponseError, Message: message}
}

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return dm
}

// EncodeRequest returns the CBOR payload of r, without framing.
func EncodeRequest(r Request) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, errors.NewProcessingError("failed to encode %s request", r.Kind, err)
	}

	return b, nil
}

// DecodeRequest parses a CBOR request payload. Any failure is a malformed frame.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := decMode.Unmarshal(payload, &r); err != nil {
		return Request{}, asMalformed("request", err)
	}

	return r, nil
}

// EncodeResponse returns the CBOR payload of r, without framing.
func EncodeResponse(r Response) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, errors.NewProcessingError("failed to encode %s response", r.Kind, err)
	}

	return b, nil
}

// DecodeResponse parses a CBOR response payload. Any failure is a malformed frame.
func DecodeResponse(payload []byte) (Response, error) {
	var r Response
	if err := decMode.Unmarshal(payload, &r); err != nil {
		return Response{}, asMalformed("response", err)
	}

	return r, nil
}

func asMalformed(what string, err error) error {
	if errors.Is(err, errors.ErrMalformedFrame) {
		return err
	}

	return errors.NewMalformedFrameError("failed to decode %s", what, err)
}
