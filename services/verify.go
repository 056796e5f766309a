package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// 各provider的webhook签名验证。全部是(secret, header, body)的无状态纯函数，
// 验证失败必须发生在任何报文解析/落库之前，由handler映射成401。

// VerifyWebconnexSignature 验证Webconnex回调签名
// 签名 = HMAC-SHA256(secret, body)，header是裸的hex字符串（X-Webconnex-Signature）
func VerifyWebconnexSignature(secret, header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("signature header missing")
	}
	expected, err := hex.DecodeString(header)
	if err != nil {
		return fmt.Errorf("signature header is not valid hex: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// VerifyDonorboxSignature 验证Donorbox回调签名
// header格式为"timestamp,signature"（Donorbox-Signature），
// 签名 = HMAC-SHA256(secret, timestamp + "." + body)
func VerifyDonorboxSignature(secret, header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("signature header missing")
	}
	timestamp, sig, found := strings.Cut(header, ",")
	if !found {
		return fmt.Errorf("signature header invalid: expected \"timestamp,signature\"")
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("signature header is not valid hex: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
