package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianlabs-ai/meridian/services/gateway/datatypes"
)

const extractPromptTemplate = `Extract factual claims from the document text below as subject-predicate-object triples.

Rules:
- Every triple MUST carry a source pointer: the page number, a bounding box
  with exactly four values in 0-1000 page coordinates, and a verbatim snippet
  copied from the text that supports the claim.
- Only extract claims the text states directly. Never infer.
- Mark each triple's priority "high" when it bears on the research questions
  below, otherwise "low".

Project thesis:
%s

Research questions:
%s

Out of scope (never extract claims about these):
%s

%sDocument text:
%s

Respond with JSON: {"triples": [{"subject": "...", "predicate": "...", "object": "...", "priority": "HIGH", "source_pointer": {"page": 1, "bbox": [0,0,1000,1000], "snippet": "..."}}]}`

const critiquePromptTemplate = `Review the extracted claims against the source text. Flag any claim that
misreads the source, contradicts it, inverts subject and object, or is not
supported by its snippet. Do not flag stylistic issues.

Source text:
%s

Claims:
%s

Respond with JSON: {"passed": true, "critiques": [{"triple_index": 0, "reason": "...", "detail": "..."}]}`

const visionPromptTemplate = `Rate how well each claim is supported by the cited document region. Score
each claim from 0.0 (no support) to 1.0 (directly stated).

Claims with their cited snippets:
%s

Respond with JSON: {"scores": [{"index": 0, "confidence": 0.9}]}`

const resolvePromptTemplate = `Decide whether these two entities refer to the same real-world thing.

Entity A: %s
Known facts about A:
%s

Entity B: %s
Known facts about B:
%s

Answer "same" only when you are confident, "different" only when you are
confident, and "unsure" otherwise.

Respond with JSON: {"decision": "same", "reason": "..."}`

func buildExtractPrompt(rawText string, pctx datatypes.ProjectContext, priorCritiques []datatypes.Critique) string {
	thesis := pctx.Thesis
	if thesis == "" {
		thesis = "(none provided)"
	}
	questions := "- (none provided)"
	if len(pctx.ResearchQuestions) > 0 {
		questions = "- " + strings.Join(pctx.ResearchQuestions, "\n- ")
	}
	antiScope := "(none)"
	if len(pctx.AntiScope) > 0 {
		antiScope = "- " + strings.Join(pctx.AntiScope, "\n- ")
	}
	revisionBlock := ""
	if len(priorCritiques) > 0 {
		var b strings.Builder
		b.WriteString("Your previous extraction was rejected. Fix these problems:\n")
		for _, c := range priorCritiques {
			fmt.Fprintf(&b, "- claim %d: %s (%s)\n", c.TripleIndex, c.Reason, c.Detail)
		}
		b.WriteString("\n")
		revisionBlock = b.String()
	}
	return fmt.Sprintf(extractPromptTemplate, thesis, questions, antiScope, revisionBlock, rawText)
}

func buildCritiquePrompt(rawText string, triples []datatypes.Triple) string {
	return fmt.Sprintf(critiquePromptTemplate, rawText, renderTriples(triples))
}

func buildVisionPrompt(triples []datatypes.Triple) string {
	return fmt.Sprintf(visionPromptTemplate, renderTriples(triples))
}

func buildResolvePrompt(nameA string, factsA []string, nameB string, factsB []string) string {
	return fmt.Sprintf(resolvePromptTemplate,
		nameA, renderFacts(factsA), nameB, renderFacts(factsB))
}

func renderTriples(triples []datatypes.Triple) string {
	var b strings.Builder
	for i, tr := range triples {
		fmt.Fprintf(&b, "%d. (%s, %s, %s)", i, tr.Subject, tr.Predicate, tr.Object)
		if tr.Pointer.Snippet != "" {
			fmt.Fprintf(&b, " snippet: %q", tr.Pointer.Snippet)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderFacts(facts []string) string {
	if len(facts) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(facts, "\n- ")
}

// NormalizeModelJSON extracts the JSON object from a model response,
// tolerating markdown code fences and prose around the payload. A bare
// top-level array is wrapped as {"triples": [...]} since that is the one
// envelope models most often drop.
func NormalizeModelJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no JSON found in model response")
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end < start {
		return nil, fmt.Errorf("unterminated JSON in model response")
	}
	s = s[start : end+1]

	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("model response is not valid JSON")
	}

	if s[0] == '[' {
		var b strings.Builder
		b.WriteString(`{"triples": `)
		b.WriteString(s)
		b.WriteString(`}`)
		return []byte(b.String()), nil
	}
	return []byte(s), nil
}
