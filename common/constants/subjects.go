package constants

// NATS subjects and JetStream stream names for the job pipeline.
const (
	// ProjectJobsStream holds inbound scraping jobs.
	ProjectJobsStream = "PROJECT_JOBS"
	// SubjectProjectJobs is the inbound job subject.
	SubjectProjectJobs = "jobs.project"
	// ProjectQueueConsumer is the durable consumer for inbound jobs.
	ProjectQueueConsumer = "project_queue"

	// DataGatheringStream holds downstream and compensation messages.
	DataGatheringStream = "DATA_GATHERING"
	// SubjectDataGathering receives the payload of every completed job.
	SubjectDataGathering = "jobs.gathering"
	// SubjectCompensation receives payloads of jobs that ended with no tweets.
	SubjectCompensation = "jobs.compensation"
)
