package main

const netStatusCommand = "get_NET,0:1\r"

// IRService sends IR actions through the iTach queue.
type IRService struct {
	queue *CommandQueue
}

func NewIRService(queue *CommandQueue) *IRService {
	return &IRService{queue: queue}
}

// Send queues every command in order and returns one handle per command.
func (s *IRService) Send(cmds []IRCommand) []*Handle {
	handles := make([]*Handle, 0, len(cmds))
	for _, c := range cmds {
		handles = append(handles, s.queue.Enqueue(c))
	}
	return handles
}

// NetworkStatus queries the blaster's network configuration.
func (s *IRService) NetworkStatus() *Handle {
	return s.queue.Enqueue(RawCommand{Payload: netStatusCommand})
}
