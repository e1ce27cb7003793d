package planner

// decompositionSystemPrompt frames the planning collaborator.
const decompositionSystemPrompt = `You plan research jobs. You break a research request into small units of work that a retrieval and writing pipeline executes in dependency order. You answer with JSON only.`

// decompositionPrompt is the user prompt template. It takes the request and
// a rendered constraints block.
const decompositionPrompt = `Break this research request into tasks.

Research request:
%s
%s
Return ONLY a JSON array of tasks with this exact structure (no other text):
[
  {
    "key": "short_unique_key",
    "type": "retrieval_rag|retrieval_keyword|retrieval_graph|synthesis|report_write|review",
    "dependencies": ["key of a task that must finish first"],
    "parameters": {"query": "search query or focus for this task"}
  }
]

Task types:
- retrieval_rag: semantic + keyword search over the document corpus. Parameters: query, top_k.
- retrieval_keyword: exact keyword search for names, identifiers and quoted phrases. Parameters: query, top_k.
- retrieval_graph: walk the knowledge graph from an entity. Parameters: seed, max_hops.
- synthesis: combine the findings of its dependencies into an analysis. Parameters: focus.
- report_write: write the final report from syntheses. Exactly one per plan, last.
- review: a single critical read of the report. Optional; depends on report_write.

Guidelines:
- Retrieval tasks have no dependencies so they run in parallel.
- Every synthesis depends on at least one retrieval task.
- report_write depends on every synthesis task.
- Keys are lowercase with underscores and unique.
- Use an empty array [] for dependencies when there are none.
- Never create circular dependencies.`
