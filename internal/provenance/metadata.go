package provenance

import (
	"strings"

	"PromptProof-Chain/internal/config"
	"PromptProof-Chain/internal/proofs"
)

// DefaultMetadata 根据配置生成默认描述元数据，空值跳过，proof_type 缺省为 AI_OUTPUT_PROVENANCE。
func DefaultMetadata(cfg config.MetadataConfig) proofs.Metadata {
	proofType := strings.TrimSpace(cfg.ProofType)
	if proofType == "" {
		proofType = DefaultProofType
	}
	md := proofs.Metadata{}
	add := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			md = append(md, proofs.MetadataEntry{Key: key, Value: value})
		}
	}
	add(proofs.MetadataKeyProject, cfg.Project)
	add(proofs.MetadataKeyProofType, proofType)
	add(proofs.MetadataKeyAuthor, cfg.Author)
	add(proofs.MetadataKeyOrganization, cfg.Organization)
	return md
}
