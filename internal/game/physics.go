package game

import "math"

// maxSpeed clamps velocity magnitudes so runaway inputs cannot teleport
// entities between broadcasts.
const maxSpeed = 50.0

// integrate advances a position by velocity over the timestep using standard
// Euler integration.
func integrate(position, velocity Vec2, deltaSeconds float64) Vec2 {
	if deltaSeconds <= 0 {
		return position
	}
	velocity = clampMagnitude(velocity, maxSpeed)
	return Vec2{
		X: position.X + velocity.X*deltaSeconds,
		Y: position.Y + velocity.Y*deltaSeconds,
	}
}

// clampMagnitude scales the vector uniformly so its length never exceeds the
// limit.
func clampMagnitude(v Vec2, limit float64) Vec2 {
	if !(limit > 0) {
		return v
	}
	magnitudeSq := v.X*v.X + v.Y*v.Y
	if magnitudeSq == 0 || magnitudeSq <= limit*limit {
		return v
	}
	scale := limit / math.Sqrt(magnitudeSq)
	return Vec2{X: v.X * scale, Y: v.Y * scale}
}
