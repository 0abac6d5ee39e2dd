package workstate

// DirectReports builds the managerial adjacency index on demand from the
// flat Users collection: managerId -> IDs of users reporting to it, in
// collection order. Users with no manager are absent from the index.
func (s *AppState) DirectReports() map[string][]string {
	reports := map[string][]string{}
	if s == nil {
		return reports
	}
	for _, user := range s.Users {
		if user.ManagerID == "" {
			continue
		}
		reports[user.ManagerID] = append(reports[user.ManagerID], user.ID)
	}
	return reports
}

// Subordinates returns the transitive reports of managerID via iterative
// breadth-first traversal. Manager assignments are weak references and may
// form cycles; the visited set guarantees each user is emitted at most once
// and the traversal always terminates.
func (s *AppState) Subordinates(managerID string) []string {
	if s == nil || managerID == "" {
		return nil
	}
	reports := s.DirectReports()
	visited := map[string]struct{}{managerID: {}}
	queue := append([]string(nil), reports[managerID]...)
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		out = append(out, id)
		queue = append(queue, reports[id]...)
	}
	return out
}
