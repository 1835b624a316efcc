package ai

import "github.com/nhle/mailpipe/internal/model"

const gateSystemPrompt = `You triage batches of email threads before any further analysis.
Each thread is a JSON object; threads are separated by " --- separator ---- ".
Classify the batch as a whole into one category:
"Promotional/Sales", "Spam/Malicious", "Legitimate/Operational" or "Company Operational Email".
Batches that are promotional or spam should be skipped.
Reply with a single JSON object:
{"category": string, "rationale": string, "shouldSkip": boolean}`

var extractionPrompts = map[model.ReportKind]string{
	model.ReportInvoice: `You extract financial documents (invoices, bills, receipts) from email threads.
Threads are JSON objects separated by " --- separator ---- ".
Reply with a single JSON object {"documents": [...]} where each document lists
sender, amount, currency, dueDate, status (PAID, DUE or OVERDUE) and the threadId it came from.
Return {"documents": []} when there are none.`,

	model.ReportActionDecision: `You read email threads and list what the recipient needs to do.
Threads are JSON objects separated by " --- separator ---- ".
Reply with a single JSON object {"threads": [...]} where each entry has threadId, summary,
actionItems, keyDecisions, importantDates, priority and status.`,

	model.ReportAnalytics: `You compute operational analytics over a batch of email threads.
Threads are JSON objects separated by " --- separator ---- ".
Reply with a single JSON object with primaryCategory counts, resolutionStatus counts,
sentiment, noise ratio and a short overall summary.`,
}
