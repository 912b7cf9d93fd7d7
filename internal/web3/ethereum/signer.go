package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"AutoDCA-Chain/internal/grant"
)

// Signer 用所有者私钥对凭证做离线签名。生产部署中这一步通常由
// 钱包交互完成，守护进程模式下用本地密钥代替。
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner 解析十六进制私钥并返回签名器。
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析所有者私钥失败: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address 返回签名密钥对应的账户地址。
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// SignGrant 对凭证的规范化摘要做 secp256k1 签名。
func (s *Signer) SignGrant(_ context.Context, g *grant.CapabilityGrant) (string, error) {
	digest := grantDigest(g)
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("签名凭证摘要失败: %w", err)
	}
	return hexutil.Encode(signature), nil
}

// grantDigest 生成凭证的确定性摘要。字段顺序固定，改变任何授权
// 要素都会改变摘要。
func grantDigest(g *grant.CapabilityGrant) []byte {
	var builder strings.Builder
	builder.WriteString(strings.ToLower(g.Grantor))
	builder.WriteByte('|')
	builder.WriteString(strings.ToLower(g.Grantee))
	builder.WriteByte('|')
	builder.WriteString(g.ScopeKind)
	builder.WriteByte('|')
	for i := range g.Targets {
		builder.WriteString(strings.ToLower(g.Targets[i]))
		builder.WriteByte(':')
		if i < len(g.Selectors) {
			builder.WriteString(g.Selectors[i])
		}
		builder.WriteByte(',')
	}
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatInt(g.ExpiresAt, 10))
	builder.WriteByte('|')
	builder.WriteString(strconv.FormatInt(g.CreatedAt, 10))
	return crypto.Keccak256([]byte(builder.String()))
}

var _ grant.Signer = (*Signer)(nil)
