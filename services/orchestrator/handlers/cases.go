// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Case ingestion endpoints. Structured case records and raw case texts both
// land in the Case index; raw texts are chunked before embedding so one
// oversized record never produces an oversized vector input.
package handlers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
)

// Chunking parameters for raw case texts. Overlap is 10% of the chunk size.
var (
	caseChunkSize    = 1000
	caseChunkOverlap = int(float64(caseChunkSize) * 0.10)

	// Clinical records break on blank lines, then sentence punctuation.
	caseSeparators = []string{"\n\n", "\n", "。", "；", " ", ""}
)

// CaseRecord is one structured case submitted for ingestion.
type CaseRecord struct {
	CaseID    string `json:"case_id"`
	Summary   string `json:"summary"`
	Symptoms  string `json:"symptoms"`
	Pattern   string `json:"pattern"`
	Analysis  string `json:"analysis"`
	Treatment string `json:"treatment"`
	Source    string `json:"source"`
}

// IngestCasesRequest carries either structured records or one raw text.
//
// # Fields
//
//   - Cases: Structured records, ingested one object each.
//   - Content: Raw case text. Split into chunks, each ingested as its own
//     record with Source as provenance. Ignored when Cases is non-empty.
//   - Source: Provenance label for raw-content mode.
type IngestCasesRequest struct {
	Cases   []CaseRecord `json:"cases"`
	Content string       `json:"content"`
	Source  string       `json:"source"`
}

// HandleIngestCases adds case records to the Case index.
//
// POST /v1/cases
//
// Each record is embedded (summary plus symptoms) and batch-imported with a
// deterministic id derived from the content hash, so re-submitting the same
// record updates rather than duplicates it.
func HandleIngestCases(client *weaviate.Client, embedder llm.EmbeddingClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IngestCasesRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		records, err := recordsFromRequest(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(records) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no cases provided"})
			return
		}

		ingested, err := ingestCaseRecords(c.Request.Context(), client, embedder, records)
		if err != nil {
			slog.Error("Case ingestion failed", "records", len(records), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		slog.Info("Ingested case records", "submitted", len(records), "ingested", ingested)
		c.JSON(http.StatusCreated, gin.H{
			"status":   "success",
			"cases":    ingested,
			"rejected": len(records) - ingested,
		})
	}
}

// HandleListCaseSources lists the distinct provenance labels in the Case index.
//
// GET /v1/cases/sources
func HandleListCaseSources(client *weaviate.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		agg, err := client.GraphQL().Aggregate().
			WithClassName("Case").
			WithGroupBy("source").
			Do(c.Request.Context())
		if err != nil {
			slog.Error("Failed to aggregate case sources", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query cases"})
			return
		}

		var sources []string
		if agg.Data["Aggregate"] != nil {
			aggMap, ok := agg.Data["Aggregate"].(map[string]interface{})
			if ok && aggMap["Case"] != nil {
				groups, ok := aggMap["Case"].([]interface{})
				if ok {
					for _, groupItem := range groups {
						groupMap, ok := groupItem.(map[string]interface{})
						if !ok || groupMap["groupedBy"] == nil {
							continue
						}
						groupedByMap, ok := groupMap["groupedBy"].(map[string]interface{})
						if !ok || groupedByMap["value"] == nil {
							continue
						}
						if source, ok := groupedByMap["value"].(string); ok {
							sources = append(sources, source)
						}
					}
				}
			}
		}

		c.JSON(http.StatusOK, gin.H{"sources": sources})
	}
}

// recordsFromRequest normalizes both ingestion modes into case records.
func recordsFromRequest(req IngestCasesRequest) ([]CaseRecord, error) {
	if len(req.Cases) > 0 {
		return req.Cases, nil
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, nil
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("raw content requires a source label")
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(caseChunkSize),
		textsplitter.WithChunkOverlap(caseChunkOverlap),
		textsplitter.WithSeparators(caseSeparators),
	)
	chunks, err := splitter.SplitText(req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to split content: %w", err)
	}

	records := make([]CaseRecord, 0, len(chunks))
	for i, chunk := range chunks {
		records = append(records, CaseRecord{
			CaseID:  fmt.Sprintf("%s_part_%d", req.Source, i+1),
			Summary: chunk,
			Source:  req.Source,
		})
	}
	return records, nil
}

// ingestCaseRecords embeds and batch-imports the records, returning the
// number accepted by the store.
func ingestCaseRecords(ctx context.Context, client *weaviate.Client, embedder llm.EmbeddingClient, records []CaseRecord) (int, error) {
	objects := make([]*models.Object, 0, len(records))
	now := time.Now().UnixMilli()

	for i, rec := range records {
		if strings.TrimSpace(rec.Summary) == "" {
			return 0, fmt.Errorf("case %d has no summary", i)
		}

		embedText := rec.Summary
		if rec.Symptoms != "" {
			embedText = rec.Summary + " " + rec.Symptoms
		}
		vector, err := embedder.Embed(ctx, embedText)
		if err != nil {
			return 0, fmt.Errorf("failed to embed case %d: %w", i, err)
		}

		props := datatypes.CaseProperties{
			CaseID:     rec.CaseID,
			Summary:    rec.Summary,
			Symptoms:   rec.Symptoms,
			Pattern:    rec.Pattern,
			Analysis:   rec.Analysis,
			Treatment:  rec.Treatment,
			Source:     rec.Source,
			IngestedAt: now,
		}
		if props.CaseID == "" {
			props.CaseID = uuid.NewString()
		}

		// Content-derived id makes re-ingestion idempotent.
		hash := sha256.Sum256([]byte(rec.Summary + rec.Symptoms + rec.Source))
		objUUID, _ := uuid.FromBytes(hash[:16])

		objects = append(objects, &models.Object{
			Class:      "Case",
			ID:         strfmt.UUID(objUUID.String()),
			Vector:     vector,
			Properties: props.ToMap(),
		})
	}

	resp, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to save cases to Weaviate: %w", err)
	}

	ingested := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			ingested++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Rejected case in batch import", "error", errItem.Message)
			}
		}
	}
	return ingested, nil
}
