// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// researchctl runs the evidence acquisition loop from the command line,
// either locally against the configured backends or through a running
// researcher service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Izuld1/deepresearech/services/llm"
	"github.com/Izuld1/deepresearech/services/researcher/datatypes"
	"github.com/Izuld1/deepresearech/services/researcher/research"
	"github.com/Izuld1/deepresearech/services/researcher/retrieval"
)

// goalFile is the YAML shape researchctl accepts.
type goalFile struct {
	KBIDs     []string `yaml:"kb_ids"`
	MaxRounds int      `yaml:"max_rounds"`
	Size      int      `yaml:"size"`
	SubGoals  []struct {
		SubGoalID       string   `yaml:"sub_goal_id"`
		ParentSectionID string   `yaml:"parent_section_id"`
		OriginalIntent  string   `yaml:"original_intent"`
		QueryHints      []string `yaml:"query_hints"`
	} `yaml:"sub_goals"`
}

var (
	serverURL string
	maxRounds int
	size      int

	rootCmd = &cobra.Command{
		Use:   "researchctl",
		Short: "Run the evidence acquisition loop over research sub-goals",
	}

	runCmd = &cobra.Command{
		Use:   "run [goals.yaml]",
		Short: "Run the retrieval loop for every sub-goal in a YAML file",
		Args:  cobra.ExactArgs(1),
		Run:   runGoals,
	}
)

func init() {
	runCmd.Flags().StringVar(&serverURL, "server", "",
		"Researcher service URL; when empty the loop runs in-process")
	runCmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Override the per-phase round budget")
	runCmd.Flags().IntVar(&size, "size", 0, "Override the per-query retrieval size")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func runGoals(cmd *cobra.Command, args []string) {
	goals, err := loadGoalFile(args[0])
	if err != nil {
		log.Fatalf("Error reading goal file: %v", err)
	}

	request := &datatypes.ResearchRetrieveRequest{
		KBIDs:     goals.KBIDs,
		MaxRounds: goals.MaxRounds,
		Size:      goals.Size,
	}
	if maxRounds > 0 {
		request.MaxRounds = maxRounds
	}
	if size > 0 {
		request.Size = size
	}
	for _, g := range goals.SubGoals {
		request.SubGoals = append(request.SubGoals, &datatypes.SubGoal{
			SubGoalID:       g.SubGoalID,
			ParentSectionID: g.ParentSectionID,
			OriginalIntent:  g.OriginalIntent,
			QueryHints:      g.QueryHints,
		})
	}
	if err := request.Validate(); err != nil {
		log.Fatalf("Invalid goal file: %v", err)
	}

	var output any
	if serverURL != "" {
		output, err = runRemote(request)
	} else {
		output, err = runLocal(request)
	}
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	rendered, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render results: %v", err)
	}
	fmt.Println(string(rendered))
}

func loadGoalFile(path string) (*goalFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var goals goalFile
	if err := yaml.Unmarshal(raw, &goals); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(goals.SubGoals) == 0 {
		return nil, fmt.Errorf("%s contains no sub_goals", path)
	}
	return &goals, nil
}

// runLocal wires the backends from the environment and runs the batch
// in-process.
func runLocal(request *datatypes.ResearchRetrieveRequest) (*datatypes.BatchResult, error) {
	retriever, err := retrieval.NewRAGFlowRetrieverFromEnv()
	if err != nil {
		return nil, fmt.Errorf("retrieval backend: %w", err)
	}
	var capability retrieval.Capability = retriever
	if len(request.KBIDs) > 0 {
		capability = retriever.WithKBIDs(request.KBIDs)
	}

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		return nil, fmt.Errorf("llm backend: %w", err)
	}
	gateway := llm.NewGateway(llmClient)

	cfg := research.ConfigFromEnv()
	if request.MaxRounds > 0 {
		cfg.MaxRounds = request.MaxRounds
	}
	if request.Size > 0 {
		cfg.Size = request.Size
	}

	loop := research.NewLoop(capability, research.NewAdjudicator(gateway),
		research.NewIntentExpander(gateway), cfg)
	runner := research.NewBatchRunner(loop, cfg)

	slog.Info("Running retrieval loop locally", "subGoals", len(request.SubGoals))
	return runner.RunAll(context.Background(), request.SubGoals), nil
}

// runRemote posts the request to a running researcher service.
func runRemote(request *datatypes.ResearchRetrieveRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Post(serverURL+"/v1/research/retrieve", "application/json",
		bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("request to researcher service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("researcher service returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}
