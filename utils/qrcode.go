package utils

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// GenerateQRCode 生成二维码PNG
func GenerateQRCode(text string, size int) ([]byte, error) {
	return qrcode.Encode(text, qrcode.Medium, size)
}

// GenerateQRCodeDataURI 生成可直接内嵌到HTML邮件<img>里的data URI
func GenerateQRCodeDataURI(text string, size int) (string, error) {
	png, err := GenerateQRCode(text, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
