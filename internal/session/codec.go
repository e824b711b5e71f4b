package session

import "github.com/fxamacker/cbor/v2"

// encMode uses Core Deterministic Encoding so equal histories produce
// identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
}

func encodeTurns(turns []Turn) ([]byte, error) {
	return encMode.Marshal(turns)
}

func decodeTurns(data []byte) ([]Turn, error) {
	var turns []Turn
	if err := cbor.Unmarshal(data, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}
