package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// argon2id 参数：时间 1 轮、内存 64 MiB、4 路并行
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrDecryptFailed 在密钥错误或密文被篡改时返回
// 与"没有数据"严格区分，绝不把解密失败伪装成空文档
var ErrDecryptFailed = errors.New("cryptobox: decryption failed")

// legacyEnvelope 是早期版本的文本信封：盐、IV、密文分字段 base64 编码
type legacyEnvelope struct {
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

func deriveKey(credential string, salt []byte) []byte {
	return argon2.IDKey([]byte(credential), salt, argonTime, argonMemory, argonThreads, keySize)
}

// Encrypt 用慢速 KDF 派生对称密钥后做认证加密
// 输出为 盐 ‖ nonce ‖ 密文 的单一缓冲区，无文本信封开销
func Encrypt(document []byte, credential string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("生成盐失败: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成随机 nonce 失败: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(credential, salt))
	if err != nil {
		return nil, fmt.Errorf("初始化加密器失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化加密器失败: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(document)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, document, nil)
	return out, nil
}

// Decrypt 从内嵌的盐重新派生密钥并做认证解密
// 兼容旧版文本信封；认证失败返回 ErrDecryptFailed
func Decrypt(blob []byte, credential string) ([]byte, error) {
	if len(blob) > 0 && blob[0] == '{' {
		// 新版密文的随机盐首字节也可能恰好是 '{'，
		// 信封解析失败时继续按二进制布局尝试
		if plain, err := decryptLegacy(blob, credential); err == nil {
			return plain, nil
		}
	}

	if len(blob) < saltSize+nonceSize+1 {
		return nil, ErrDecryptFailed
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	return open(credential, salt, nonce, ciphertext)
}

func decryptLegacy(blob []byte, credential string) ([]byte, error) {
	var env legacyEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, ErrDecryptFailed
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return open(credential, salt, nonce, ciphertext)
}

func open(credential string, salt, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(credential, salt))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// HashCredential 对凭证做单向散列
// 请求只携带散列，服务端永远接触不到原始凭证
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
