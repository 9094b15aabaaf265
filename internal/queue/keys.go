package queue

// keySet holds the precomputed Redis keys of one queue. Every key is
// namespaced by the queue name so queues never collide.
type keySet struct {
	Waiting string
	Delayed string
	Active  string
	Stats   string
	Events  string
	prefix  string
}

func keysFor(name string) keySet {
	prefix := "queue:" + name + ":"
	return keySet{
		Waiting: prefix + "waiting",
		Delayed: prefix + "delayed",
		Active:  prefix + "active",
		Stats:   prefix + "stats",
		Events:  prefix + "events",
		prefix:  prefix,
	}
}

// Job returns the record key of a job.
func (k keySet) Job(id string) string { return k.prefix + "job:" + id }
