package summarize

// Level templates. Level 3 keeps a detailed narrative, level 2 keeps key
// decisions and outcomes, level 1 compresses to a single paragraph.

const levelDetailedInstructions = `Create a detailed narrative summary of the conversation below.
Preserve the flow of discussion: what was asked, what was concluded, and why.
Keep concrete details that later turns may refer back to.`

const levelModerateInstructions = `Summarize the conversation below, keeping key decisions and outcomes.
Drop conversational filler; keep anything a future turn could depend on.`

const levelCompactInstructions = `Compress the conversation below into one compact paragraph.
Keep only the facts, decisions and open items that must survive.`

const mergeInstructions = `The two summaries below cover adjacent spans of the same conversation.
Merge them into one compact paragraph, oldest content first.
Keep only the facts, decisions and open items that must survive.`

const resummarizeInstructions = `The text below is an earlier summary of part of this conversation.
Re-summarize it at a lower level of detail.`

// Mode preservation directives, appended to the level instructions.

const modeDeveloperDirectives = `Preserve exactly: code snippets, file paths, commands, and error messages.`

const modePlanningDirectives = `Preserve exactly: objectives, considered options, and tradeoffs discussed.`

const modeDebuggerDirectives = `Preserve exactly: symptoms, reproduction steps, hypotheses, and the root cause once identified.`

const modeAssistantDirectives = `Preserve the flow of the conversation and any user preferences expressed.`

const markerInstructions = `If the conversation advanced a tracked goal, annotate your summary with marker lines:
[CHECKPOINT] description - STATUS
[DECISION] description - LOCKED (omit "- LOCKED" for revisable decisions)
[ARTIFACT] Created|Modified|Deleted path`
