// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/protocol"
)

// KMS operations the bridge will forward. Anything else yields a structured
// error, never a transport fault.
const (
	opDecrypt         = "decrypt"
	opEncrypt         = "encrypt"
	opGenerateDataKey = "generate-data-key"
)

// KMSAction forwards key-management operations to AWS KMS. Binary key
// material crosses the tunnel hex-encoded inside JSON fields and is decoded
// and re-encoded at this boundary.
type KMSAction struct {
	api kmsiface.KMSAPI
}

func NewKMSAction(cfg config.BridgeConfig) (*KMSAction, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &KMSAction{api: kms.New(sess)}, nil
}

// NewKMSActionWithAPI wires a caller-provided KMS client; used in tests.
func NewKMSActionWithAPI(api kmsiface.KMSAPI) *KMSAction {
	return &KMSAction{api: api}
}

func (a *KMSAction) Handle(req *protocol.KMSRequest) *protocol.KMSResponse {
	var result any
	var err error
	switch req.Operation {
	case opDecrypt:
		result, err = a.decrypt(req.Data)
	case opEncrypt:
		result, err = a.encrypt(req.Data)
	case opGenerateDataKey:
		result, err = a.generateDataKey(req.Data)
	default:
		return &protocol.KMSResponse{Error: fmt.Sprintf("Unsupported KMS operation: %s", req.Operation)}
	}
	if err != nil {
		return &protocol.KMSResponse{Error: fmt.Sprintf("KMS error: %v", err)}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return &protocol.KMSResponse{Error: fmt.Sprintf("KMS error: %v", err)}
	}
	return &protocol.KMSResponse{Result: raw}
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

type decryptResult struct {
	Plaintext string `json:"plaintext"`
	KeyID     string `json:"key_id"`
}

func (a *KMSAction) decrypt(data json.RawMessage) (any, error) {
	var req decryptRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	blob, err := hex.DecodeString(req.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	input := &kms.DecryptInput{CiphertextBlob: blob}
	if req.KeyID != "" {
		input.KeyId = aws.String(req.KeyID)
	}
	out, err := a.api.Decrypt(input)
	if err != nil {
		return nil, err
	}
	return &decryptResult{
		Plaintext: hex.EncodeToString(out.Plaintext),
		KeyID:     aws.StringValue(out.KeyId),
	}, nil
}

type encryptRequest struct {
	Plaintext string `json:"plaintext"`
	KeyID     string `json:"key_id"`
}

type encryptResult struct {
	CiphertextBlob string `json:"ciphertext_blob"`
	KeyID          string `json:"key_id"`
}

func (a *KMSAction) encrypt(data json.RawMessage) (any, error) {
	var req encryptRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	plaintext, err := hex.DecodeString(req.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("decoding plaintext: %w", err)
	}
	out, err := a.api.Encrypt(&kms.EncryptInput{
		KeyId:     aws.String(req.KeyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, err
	}
	return &encryptResult{
		CiphertextBlob: hex.EncodeToString(out.CiphertextBlob),
		KeyID:          aws.StringValue(out.KeyId),
	}, nil
}

type generateDataKeyRequest struct {
	KeyID   string `json:"key_id"`
	KeySpec string `json:"key_spec"`
}

type generateDataKeyResult struct {
	Plaintext      string `json:"plaintext"`
	CiphertextBlob string `json:"ciphertext_blob"`
	KeyID          string `json:"key_id"`
}

func (a *KMSAction) generateDataKey(data json.RawMessage) (any, error) {
	var req generateDataKeyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.KeySpec == "" {
		req.KeySpec = kms.DataKeySpecAes256
	}
	out, err := a.api.GenerateDataKey(&kms.GenerateDataKeyInput{
		KeyId:   aws.String(req.KeyID),
		KeySpec: aws.String(req.KeySpec),
	})
	if err != nil {
		return nil, err
	}
	return &generateDataKeyResult{
		Plaintext:      hex.EncodeToString(out.Plaintext),
		CiphertextBlob: hex.EncodeToString(out.CiphertextBlob),
		KeyID:          aws.StringValue(out.KeyId),
	}, nil
}
