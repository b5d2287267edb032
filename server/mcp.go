package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/llm"
	"github.com/xhad/formulary/pkg/pipeline"
	"github.com/xhad/formulary/pkg/retry"
)

// MCPVersion is reported to MCP clients.
const MCPVersion = "0.1.0"

// QueryDosageInput is the input schema of the query_dosage tool.
type QueryDosageInput struct {
	Query string `json:"query" jsonschema:"the medication dosage question, e.g. adult dose of amoxicillin"`
}

// QueryDosageOutput is the output schema of the query_dosage tool.
type QueryDosageOutput struct {
	Answer     string   `json:"answer"`
	Refused    bool     `json:"refused"`
	Generation int64    `json:"generation"`
	Sources    []string `json:"sources"`
}

// StatusOutput is the output schema of the formulary_status tool.
type StatusOutput struct {
	State          string `json:"state"`
	Generation     int64  `json:"generation"`
	Chunks         int    `json:"chunks"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	Document       string `json:"document,omitempty"`
	Error          string `json:"error,omitempty"`
}

// MCPServer answers dosage questions for MCP clients over stdio. Calls run
// as the local system identity.
type MCPServer struct {
	query     *pipeline.Query
	ingestion *pipeline.Ingestion
	policy    retry.Policy
	logger    zerolog.Logger
	server    *mcp.Server
}

// NewMCPServer registers the tools. ingestion may be nil, in which case the
// status tool reports only the live index.
func NewMCPServer(query *pipeline.Query, ingestion *pipeline.Ingestion, policy retry.Policy, logger zerolog.Logger) (*MCPServer, error) {
	if query == nil {
		return nil, errors.New("mcp: query pipeline is required")
	}
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}

	s := &MCPServer{
		query:     query,
		ingestion: ingestion,
		policy:    policy,
		logger:    logger,
		server:    mcp.NewServer(&mcp.Implementation{Name: "formulary", Version: MCPVersion}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "query_dosage",
		Description: "Answer a medication dosage question from the national medicines formulary",
	}, s.handleQueryDosage)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "formulary_status",
		Description: "Report the live formulary index generation and the last ingestion state",
	}, s.handleStatus)

	return s, nil
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *MCPServer) handleQueryDosage(ctx context.Context, _ *mcp.CallToolRequest, input QueryDosageInput) (*mcp.CallToolResult, QueryDosageOutput, error) {
	answer, err := retry.Do(ctx, s.policy, func(ctx context.Context) (llm.Answer, error) {
		return s.query.Ask(ctx, models.System, input.Query)
	}, func(attempt int, _ time.Duration, err error) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying query_dosage")
	})
	if err != nil {
		if errors.Is(err, models.ErrIndexNotFound) {
			return nil, QueryDosageOutput{}, errors.New("no formulary has been ingested yet")
		}
		return nil, QueryDosageOutput{}, fmt.Errorf("query_dosage: %w", err)
	}

	return nil, QueryDosageOutput{
		Answer:     answer.Text,
		Refused:    answer.Refused,
		Generation: answer.Result.Generation,
		Sources:    answer.Result.ChunkIDs(),
	}, nil
}

func (s *MCPServer) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, StatusOutput, error) {
	out := StatusOutput{State: string(pipeline.StateIdle)}
	if s.ingestion != nil {
		st := s.ingestion.Status()
		out.State = string(st.State)
		out.Error = st.Error
	}

	idx, err := s.query.Index(ctx)
	switch {
	case err == nil:
		m := idx.Manifest()
		out.Generation = m.Generation
		out.Chunks = m.Count
		out.EmbeddingModel = m.EmbeddingModel
		out.Document = m.DocumentTitle
	case !errors.Is(err, models.ErrIndexNotFound):
		return nil, StatusOutput{}, err
	}
	return nil, out, nil
}
