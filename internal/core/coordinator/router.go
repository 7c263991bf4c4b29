package coordinator

// Action は Router が次に行う処理
type Action int

const (
	ActionEvaluate Action = iota
	ActionRequestApproval
	ActionAcquire
	ActionEnrich
	ActionUpdateGraph
	ActionEmit
	ActionFail
	ActionDequeue
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionEvaluate:
		return "evaluate_stop_conditions"
	case ActionRequestApproval:
		return "request_approval"
	case ActionAcquire:
		return "invoke_acquisition"
	case ActionEnrich:
		return "invoke_enrichment"
	case ActionUpdateGraph:
		return "invoke_graph_update"
	case ActionEmit:
		return "emit_completion"
	case ActionFail:
		return "handle_failure"
	case ActionDequeue:
		return "dequeue_next"
	case ActionHalt:
		return "halt"
	}
	return "unknown"
}

// Next は JobRun の状態から次の処理を決めます。
// 未知の状態は失敗処理に回し、failed 以外の状態ではエラーの有無が状態より優先されます
func Next(run *JobRun) Action {
	if !run.Status.Valid() {
		return ActionFail
	}
	if run.Status == StatusFailed {
		return ActionDequeue
	}
	if run.HasErrors() {
		return ActionFail
	}

	switch run.Status {
	case StatusPending, StatusJobReceived, StatusCheckingStops:
		return ActionEvaluate
	case StatusAwaitingApproval:
		return ActionRequestApproval
	case StatusApproved:
		return ActionAcquire
	case StatusScrapingCompleted:
		return ActionEnrich
	case StatusTaggingCompleted:
		return ActionUpdateGraph
	case StatusGraphCompleted:
		return ActionEmit
	case StatusCompleted:
		return ActionDequeue
	}

	// StatusNoJobs
	return ActionHalt
}
