// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetCaseSchema returns the schema for the Case class, the modern clinical
// case index. This is the primary retrieval source.
func GetCaseSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Case",
		Description: "A modern clinical case record: complaint, differentiation, and treatment.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "case_id",
				DataType:        []string{"text"},
				Description:     "Stable identifier for the case.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Description:  "Short narrative summary of the case.",
				Tokenization: "word",
			},
			{
				Name:         "symptoms",
				DataType:     []string{"text"},
				Description:  "Presenting symptoms as recorded.",
				Tokenization: "word",
			},
			{
				Name:            "pattern",
				DataType:        []string{"text"},
				Description:     "Syndrome differentiation assigned to the case.",
				IndexFilterable: indexFilterable,
				Tokenization:    "word",
			},
			{
				Name:         "analysis",
				DataType:     []string{"text"},
				Description:  "Pathomechanism analysis.",
				Tokenization: "word",
			},
			{
				Name:         "treatment",
				DataType:     []string{"text"},
				Description:  "Treatment principle and prescription notes.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Provenance of the record (publication or collection).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the case was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetPulsePJSchema returns the schema for the PulsePJ class, the
// pulse-condition knowledge index.
func GetPulsePJSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "PulsePJ",
		Description: "Pulse-condition knowledge entries linking pulse qualities to patterns.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "entry_id",
				DataType:        []string{"text"},
				Description:     "Stable identifier for the entry.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "pulse_name",
				DataType:        []string{"text"},
				Description:     "Canonical pulse quality name.",
				IndexFilterable: indexFilterable,
				Tokenization:    "word",
			},
			{
				Name:         "description",
				DataType:     []string{"text"},
				Description:  "Description of the pulse quality and its significance.",
				Tokenization: "word",
			},
			{
				Name:         "symptoms",
				DataType:     []string{"text"},
				Description:  "Symptoms commonly accompanying this pulse.",
				Tokenization: "word",
			},
			{
				Name:         "related_patterns",
				DataType:     []string{"text"},
				Description:  "Patterns this pulse quality is associated with.",
				Tokenization: "word",
			},
		},
	}
}

// GetRPCaseSchema returns the schema for the RPCase class, the classical
// renowned-physician case index.
func GetRPCaseSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "RPCase",
		Description: "Classical case records from renowned physicians.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "case_id",
				DataType:        []string{"text"},
				Description:     "Stable identifier for the case.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "physician",
				DataType:        []string{"text"},
				Description:     "The physician the case is attributed to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "word",
			},
			{
				Name:            "dynasty",
				DataType:        []string{"text"},
				Description:     "Historical period of the record.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "The case text as transmitted.",
				Tokenization: "word",
			},
			{
				Name:            "pattern",
				DataType:        []string{"text"},
				Description:     "Syndrome differentiation, where recorded.",
				IndexFilterable: indexFilterable,
				Tokenization:    "word",
			},
			{
				Name:         "treatment",
				DataType:     []string{"text"},
				Description:  "Treatment as recorded.",
				Tokenization: "word",
			},
		},
	}
}

func EnsureWeaviateSchema(client *weaviate.Client) {
	// A list of functions that return our schema definitions.
	schemaGetters := []func() *models.Class{
		GetCaseSchema,
		GetPulsePJSchema,
		GetRPCaseSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				// If we fail to create it, it's a fatal error.
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
