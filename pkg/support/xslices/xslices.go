/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xslices provide missing functionality to the slices package.
// It was actually created before the standard slices package, so some functionality may be duplicate.
package xslices

import (
	"cmp"

	"golang.org/x/exp/constraints"
)

// At takes an element at the given `index`, where `index` can be negative, in which case it takes from the end
// of the slice.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// FillSlice fills a slice with the given value.
func FillSlice[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// SliceWithValue creates a slice of the given size, filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	slice := make([]T, size)
	FillSlice(slice, value)
	return slice
}

// Iota returns a slice of incremental values of type T, starting from start, and of the given length.
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Max scans the slice and returns the largest value.
func Max[T cmp.Ordered](slice []T) (max T) {
	if len(slice) == 0 {
		return
	}
	max = slice[0]
	for _, value := range slice[1:] {
		if value > max {
			max = value
		}
	}
	return
}

// Product returns the product of all elements of the slice. The product of an
// empty slice is 1.
func Product[T interface {
	constraints.Integer | constraints.Float
}](slice []T) (product T) {
	product = 1
	for _, value := range slice {
		product *= value
	}
	return
}
