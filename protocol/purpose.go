package protocol

import "strings"

// Subprotocol is the WebSocket subprotocol the game requires on both ends.
const Subprotocol = "com.microsoft.minecraft.wsencrypt"

// Purpose is the messagePurpose header field that selects dispatch.
type Purpose string

// Request purposes (driver -> game).
const (
	PurposeCommandRequest  Purpose = "commandRequest"
	PurposeSubscribe       Purpose = "subscribe"
	PurposeUnsubscribe     Purpose = "unsubscribe"
	PurposeAgentAction     Purpose = "action:agent"
	PurposeChatSubscribe   Purpose = "chat:subscribe"
	PurposeChatUnsubscribe Purpose = "chat:unsubscribe"
	PurposeEncrypt         Purpose = "ws:encrypt"
)

// Response purposes (game -> driver).
const (
	PurposeCommandResponse Purpose = "commandResponse"
	PurposeError           Purpose = "error"
	PurposeEvent           Purpose = "event"
	PurposeChat            Purpose = "chat"
	PurposeData            Purpose = "data"
)

const dataPurposePrefix = "data:"

// Known catalog data types.
const (
	DataTypeBlock = "block"
	DataTypeItem  = "item"
	DataTypeMob   = "mob"
)

// DataPurpose builds the request purpose for a bulk data query, e.g. "data:block".
func DataPurpose(dataType string) Purpose {
	return Purpose(dataPurposePrefix + dataType)
}

// DataTypeOf returns the data type of a data request purpose, or false when the
// purpose is not a data request.
func DataTypeOf(p Purpose) (string, bool) {
	name, ok := strings.CutPrefix(string(p), dataPurposePrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
