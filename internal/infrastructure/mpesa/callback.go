package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"stkpay/internal/domain"
)

var ErrMalformedCallback = errors.New("malformed provider callback")

const resultCodeSuccess = 0

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string          `json:"MerchantRequestID"`
	CheckoutRequestID string          `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage `json:"ResultCode"`
	ResultDesc        string          `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// CallbackAck is the fixed acknowledgement returned to the provider.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Accepted() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}

// DecodeCallback parses an STK callback body into a signal for the state machine.
func DecodeCallback(payload []byte) (*domain.CallbackSignal, error) {
	var env callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	cb := env.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := parseResultCode(cb.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	signal := &domain.CallbackSignal{
		CheckoutID:        cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		Success:           code == resultCodeSuccess,
		Code:              strconv.Itoa(code),
		Message:           cb.ResultDesc,
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			value := rawValue(item.Value)
			switch item.Name {
			case "MpesaReceiptNumber":
				signal.ReceiptNumber = value
			case "TransactionDate":
				signal.TransactionDate = value
			case "PhoneNumber":
				signal.PhoneNumber = value
			case "Amount":
				if f, err := strconv.ParseFloat(value, 64); err == nil {
					signal.Amount = int64(math.Round(f))
				}
			}
		}
	}

	return signal, nil
}

func parseResultCode(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing ResultCode")
	}
	code, err := strconv.Atoi(rawValue(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid ResultCode %s", string(raw))
	}
	return code, nil
}

// rawValue renders a JSON scalar as text, keeping numbers as written.
func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
