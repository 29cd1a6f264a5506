package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"PromptProof-Chain/sdk/go/proofclient"
)

// Commits a prompt/output pair to a running proofd and verifies it twice:
// once with the original output, once with a tampered one.
func main() {
	baseURL := os.Getenv("PROOF_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := proofclient.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	ctx := context.Background()

	prompt := "Summarize the Q1 report"
	output := "Revenue grew 12% YoY."
	resp, err := client.Commit(ctx, proofclient.CommitRequest{
		Prompt:   prompt,
		Output:   output,
		Metadata: []proofclient.MetadataEntry{{Key: "ai_model", Value: "example-model"}},
	})
	if err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Printf("committed %s on %s (%s)\n", resp.TransactionID, resp.Ledger, resp.Status)

	for _, candidate := range []string{output, "Revenue grew 13% YoY."} {
		result, err := client.Verify(ctx, proofclient.VerifyRequest{
			TransactionID: resp.TransactionID,
			Prompt:        prompt,
			Output:        candidate,
		})
		if err != nil {
			log.Fatalf("verify: %v", err)
		}
		fmt.Printf("%q -> %s\n", candidate, result.Status)
	}
}
