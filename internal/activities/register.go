package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.PrepareDocumentActivity)
	w.RegisterActivity(a.RunExaminerActivity)
	w.RegisterActivity(a.ModerateActivity)
	w.RegisterActivity(a.UpdateRunStatusActivity)
}
