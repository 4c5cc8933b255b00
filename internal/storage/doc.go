// Package storage is remindd's persistence layer.
//
// It owns three groups of state:
//   - Schedule records (reminders + their paired scheduled tasks)
//   - Delivery history appends
//   - Read-only directory tables (medications, patients, caregivers) that the
//     companion mobile app maintains out of band
//
// Every write that touches a reminder and its task happens inside a single
// transaction, and the fire-path transitions (complete, roll-forward, error)
// are compare-and-set on the task's prior status so overlapping sweeps and
// cancel races can never double-advance a task or resurrect a canceled one.
package storage
